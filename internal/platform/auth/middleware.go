package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/storefront-labs/orders-api/internal/platform/httpx"
	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
)

var (
	// ErrTokenExpired is wrapped by verifiers when the bearer token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid is wrapped by verifiers for every other rejection.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Token is a verified bearer token reduced to its subject and claims.
type Token struct {
	Subject string
	Claims  map[string]any
}

// TokenVerifier checks a raw bearer token.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*Token, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, raw string) (*Token, error)

func (f TokenVerifierFunc) VerifyToken(ctx context.Context, raw string) (*Token, error) {
	return f(ctx, raw)
}

// Authenticator turns customer bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier TokenVerifier
	claims   struct{ role, email, userID string }
	fallback string
	timeout  time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithRoleClaim names the claim holding the caller's roles. Defaults to "role".
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) { setIfNotBlank(&a.claims.role, claim) }
}

// WithEmailClaim names the claim holding the caller's email. Defaults to "email".
func WithEmailClaim(claim string) Option {
	return func(a *Authenticator) { setIfNotBlank(&a.claims.email, claim) }
}

// WithUserIDClaim names the claim holding the numeric account id. Defaults to "user_id".
func WithUserIDClaim(claim string) Option {
	return func(a *Authenticator) { setIfNotBlank(&a.claims.userID, claim) }
}

// WithFallbackRole is granted when the token carries no roles. Defaults to RoleUser.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) { setIfNotBlank(&a.fallback, normaliseRole(role)) }
}

// WithVerificationTimeout bounds each call to the verifier.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func setIfNotBlank(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, fallback: RoleUser, timeout: 5 * time.Second}
	a.claims.role, a.claims.email, a.claims.userID = "role", "email", "user_id"
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth rejects requests without a valid bearer token. When roles are given the caller must hold
// at least one of them.
func (a *Authenticator) RequireAuth(roles ...string) func(http.Handler) http.Handler {
	var required []string
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			required = append(required, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, failure := a.identify(r)
			if failure == nil && len(required) > 0 && !slices.ContainsFunc(identity.Roles, func(role string) bool {
				return slices.Contains(required, role)
			}) {
				failure = &httpx.Error{Code: "insufficient_role", Message: "identity does not have required role", Status: http.StatusForbidden}
			}
			if failure != nil {
				httpx.WriteError(r.Context(), w, *failure)
				return
			}

			requestctx.Annotate(r.Context(), "user_id", strconv.FormatInt(identity.UserID, 10))
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) identify(r *http.Request) (*Identity, *httpx.Error) {
	unauthenticated := func(message string) *httpx.Error {
		return &httpx.Error{Code: "unauthenticated", Message: message, Status: http.StatusUnauthorized}
	}

	raw, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, unauthenticated("authorization header missing or invalid")
	}
	if a == nil || a.verifier == nil {
		return nil, unauthenticated("authorization service unavailable")
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyToken(ctx, raw)
	switch {
	case errors.Is(err, ErrTokenExpired):
		return nil, &httpx.Error{Code: "token_expired", Message: "token expired", Status: http.StatusUnauthorized}
	case err != nil:
		return nil, &httpx.Error{Code: "invalid_token", Message: "token invalid", Status: http.StatusUnauthorized}
	}

	claims := claimSet(token.Claims)
	userID, ok := claims.int64(a.claims.userID)
	if !ok || userID <= 0 {
		return nil, unauthenticated("token does not carry a user id")
	}

	identity := &Identity{
		UserID:  userID,
		Subject: token.Subject,
		Email:   claims.str(a.claims.email),
		Roles:   claims.roles(a.claims.role),
	}
	if identity.Email == "" {
		identity.Email = claims.str("email")
	}
	if len(identity.Roles) == 0 && a.fallback != "" {
		identity.Roles = []string{a.fallback}
	}
	if len(identity.Roles) == 0 {
		return nil, &httpx.Error{Code: "missing_role", Message: "no roles associated with identity", Status: http.StatusUnauthorized}
	}
	return identity, nil
}

// extractBearerToken returns the credential of a "Bearer <token>" header, matching the scheme
// case-insensitively.
func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
