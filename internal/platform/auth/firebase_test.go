package auth

import (
	"context"
	"errors"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubFirebaseClient struct {
	token *firebaseauth.Token
	err   error
}

func (s *stubFirebaseClient) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected bounded context")
	}
	return s.token, s.err
}

func TestFirebaseVerifierExposesClaims(t *testing.T) {
	verifier := newFirebaseVerifier(&stubFirebaseClient{
		token: &firebaseauth.Token{
			UID:    "uid-123",
			Claims: map[string]interface{}{"user_id": float64(9), "email": "ada@example.com"},
		},
	})

	token, err := verifier.VerifyToken(context.Background(), "id-token")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if token.Subject != "uid-123" || token.Claims["email"] != "ada@example.com" {
		t.Fatalf("unexpected token %+v", token)
	}
}

func TestFirebaseVerifierWrapsFailures(t *testing.T) {
	verifier := newFirebaseVerifier(&stubFirebaseClient{err: errors.New("network down")})
	if _, err := verifier.VerifyToken(context.Background(), "id-token"); err == nil {
		t.Fatalf("expected error")
	}

	var nilVerifier *FirebaseVerifier
	if _, err := nilVerifier.VerifyToken(context.Background(), "id-token"); err == nil {
		t.Fatalf("expected error for nil verifier")
	}
}
