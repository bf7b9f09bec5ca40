package auth

import (
	"context"
	"errors"
)

// Identity is the verified caller of a request.
type Identity struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrNoIdentity   = errors.New("no identity in request context")
	ErrForbidden    = errors.New("not permitted")
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const ctxKeyIdentity contextKey = "identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}
