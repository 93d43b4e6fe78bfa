package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubTokenVerifier struct {
	token    *Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyToken(ctx context.Context, raw string) (*Token, error) {
	s.received = raw
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serveWithToken(handler http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireAuth_AllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &Token{
			Subject: "uid-123",
			Claims: map[string]any{
				"role":    []any{"staff", "admin", "staff"},
				"email":   "ops@example.com",
				"user_id": float64(42),
			},
		},
	}
	authn := NewAuthenticator(verifier)

	handlerCalled := false
	handler := authn.RequireAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UserID != 42 || identity.Subject != "uid-123" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if !identity.IsStaff() || len(identity.Roles) != 2 {
			t.Fatalf("expected deduplicated staff roles, got %v", identity.Roles)
		}
		if identity.Email != "ops@example.com" {
			t.Fatalf("expected email ops@example.com, got %s", identity.Email)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serveWithToken(handler, "Bearer token-value")

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !handlerCalled {
		t.Fatalf("expected handler to be called")
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
}

func TestRequireAuth_ExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: ErrTokenExpired})
	handler := authn.RequireAuth(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute on expired token")
	}))

	rr := serveWithToken(handler, "Bearer expired-token")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "token_expired" {
		t.Fatalf("expected token_expired error, got %v", code)
	}
}

func TestRequireAuth_MissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{})
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute without credentials")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		rr := serveWithToken(handler, header)
		if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "unauthenticated" {
			t.Fatalf("header %q: expected 401 unauthenticated, got %d", header, rr.Code)
		}
	}
}

func TestRequireAuth_RequiresUserIDClaim(t *testing.T) {
	cases := map[string]map[string]any{
		"missing":    {},
		"fractional": {"user_id": 4.5},
		"non-number": {"user_id": "abc"},
		"zero":       {"user_id": float64(0)},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			authn := NewAuthenticator(&stubTokenVerifier{token: &Token{Subject: "uid", Claims: claims}})
			handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler should not execute")
			}))
			rr := serveWithToken(handler, "Bearer token")
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestRequireAuth_CustomUserIDClaimAcceptsStrings(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{
		token: &Token{Subject: "uid", Claims: map[string]any{"accountId": "77"}},
	}, WithUserIDClaim("accountId"))

	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if identity.UserID != 77 {
			t.Fatalf("expected user id 77, got %d", identity.UserID)
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
			t.Fatalf("expected fallback role %q, got %v", RoleUser, identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if rr := serveWithToken(handler, "Bearer token"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireAuth_RejectsInsufficientRole(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{
		token: &Token{Subject: "uid", Claims: map[string]any{"user_id": float64(7), "role": "user"}},
	})
	handler := authn.RequireAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute")
	}))

	rr := serveWithToken(handler, "Bearer token")
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "insufficient_role" {
		t.Fatalf("expected 403 insufficient_role, got %d", rr.Code)
	}
}

func TestRolesFromClaimsMapForm(t *testing.T) {
	roles := claimSet{"role": map[string]any{"Staff": true, "admin": false}}.roles("role")
	if len(roles) != 1 || roles[0] != RoleStaff {
		t.Fatalf("unexpected roles %v", roles)
	}
}
