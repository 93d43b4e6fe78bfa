package auth

import (
	"context"
	"slices"
	"strings"
)

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the authenticated customer or operator behind a request. UserID comes from the token's
// user id claim and owns orders; Roles decide whether the caller may act on other users' orders.
type Identity struct {
	UserID  int64
	Subject string
	Email   string
	Roles   []string
}

// IsStaff reports whether the identity carries the staff or admin role.
func (i *Identity) IsStaff() bool {
	if i == nil {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(role string) bool {
		role = strings.TrimSpace(role)
		return strings.EqualFold(role, RoleStaff) || strings.EqualFold(role, RoleAdmin)
	})
}

type identityKey struct{}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the authentication middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
