package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/storefront-labs/orders-api/internal/platform/httpx"
)

// MetricsRecorder receives one sample per verification attempt.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// OIDCValidator guards internal routes with Google-signed OIDC tokens, as attached to Pub/Sub push
// deliveries and IAP requests.
type OIDCValidator struct {
	cache    *JWKSCache
	logger   Logger
	metrics  MetricsRecorder
	now      func() time.Time
	accounts []string
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: noopLog, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = recorder }
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithAllowedServiceAccounts only admits tokens whose verified email is listed. Matching ignores case.
func WithAllowedServiceAccounts(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				v.accounts = append(v.accounts, email)
			}
		}
	}
}

// ServiceIdentity is the verified caller of an internal route.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	Claims   map[string]any
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, _ := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, identity != nil
}

// rejection pairs the metric reason with the response sent to the caller.
type rejection struct {
	reason string
	resp   httpx.Error
	cause  error
}

func reject(reason string, status int, code, message string, cause error) *rejection {
	return &rejection{reason: reason, resp: httpx.Error{Code: code, Message: message, Status: status}, cause: cause}
}

// RequireOIDC admits requests carrying a token for audience issued by one of issuers. An empty audience
// fails closed with 503.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	var allowed []string
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed = append(allowed, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if v == nil || v.cache == nil {
				httpx.WriteError(ctx, w, httpx.Error{Code: "verification_unavailable", Message: "oidc verification unavailable", Status: http.StatusServiceUnavailable})
				return
			}

			start := v.now()
			identity, rej := v.verify(r, audience, allowed)
			if rej != nil {
				fields := map[string]any{"reason": rej.reason}
				if rej.cause != nil {
					fields["error"] = rej.cause.Error()
				}
				v.logger(ctx, "auth.oidc.rejected", fields)
				v.record(ctx, false, rej.reason, start)
				httpx.WriteError(ctx, w, rej.resp)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, audience string, issuers []string) (*ServiceIdentity, *rejection) {
	if audience == "" {
		return nil, reject("audience_not_configured", http.StatusServiceUnavailable, "verification_unavailable", "oidc audience not configured", nil)
	}
	raw, source := oidcToken(r)
	if raw == "" {
		return nil, reject("token_missing", http.StatusUnauthorized, "unauthenticated", "oidc token missing", nil)
	}

	parsed := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, parsed, v.cache.Keyfunc(r.Context())); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, reject("jwks_unavailable", http.StatusServiceUnavailable, "invalid_token", "oidc token verification failed", err)
		}
		return nil, reject("token_invalid", http.StatusUnauthorized, "invalid_token", "oidc token verification failed", err)
	}

	claims := claimSet(parsed)
	issuer := claims.str("iss")
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		return nil, reject("issuer_mismatch", http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch", nil)
	}
	if !slices.Contains(claims.audiences(), audience) {
		v.logger(r.Context(), "auth.oidc.audience_mismatch", map[string]any{"expected": audience, "source": source})
		return nil, reject("audience_mismatch", http.StatusUnauthorized, "invalid_token", "oidc audience mismatch", nil)
	}

	email := claims.str("email")
	if len(v.accounts) > 0 {
		verified, _ := claims["email_verified"].(bool)
		if !verified || !slices.Contains(v.accounts, strings.ToLower(email)) {
			return nil, reject("service_account_denied", http.StatusForbidden, "forbidden", "caller is not an allowed service account", nil)
		}
	}

	return &ServiceIdentity{
		Subject:  claims.str("sub"),
		Email:    email,
		Issuer:   issuer,
		Audience: audience,
		Claims:   parsed,
	}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
	}
}

// oidcToken prefers the Authorization bearer and falls back to the IAP assertion header.
func oidcToken(r *http.Request) (token, source string) {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer, "authorization"
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}
