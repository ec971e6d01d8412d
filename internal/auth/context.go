package auth

import (
	"context"
)

type contextKey string

const identityContextKey contextKey = "identity"

// WithContext adds an Identity to the context
func WithContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the Identity from the context
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}
