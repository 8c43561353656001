// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware populates claims here; every layer below it
// (handlers, streaming, workers invoked in-process) reads them back without
// importing the server package.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/auth"
)

type contextKey string

const (
	keyClaims   contextKey = "claims"
	keyTenantID contextKey = "tenant_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyTenantID, claims.TenantID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// TenantIDFromContext extracts the tenant_id from the context.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyTenantID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
