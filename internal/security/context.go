// Package security carries the acting user of an operation.
package security

import (
	"context"
	"strings"
)

type contextKey struct{ name string }

var (
	actorKey = &contextKey{"actor"}
	tokenKey = &contextKey{"token"}
)

// Actor is the user on whose behalf an operation runs
type Actor struct {
	ID          int64
	Email       string
	Timezone    string
	Permissions []string
}

// HasAccess reports whether the actor holds permission. A "*" grant matches
// everything and "orders.*" matches every permission under "orders.".
func (a *Actor) HasAccess(permission string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == "*" || p == permission {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(permission, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// WithActor returns a context carrying actor
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the actor stored in ctx, if any
func ActorFrom(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(actorKey).(*Actor)
	return actor, ok && actor != nil
}

// WithToken returns a context carrying a raw bearer token. A "Bearer " prefix
// is accepted and stripped.
func WithToken(ctx context.Context, token string) context.Context {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFrom returns the bearer token stored in ctx
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// Resolver supplies the acting user of a context
type Resolver interface {
	Resolve(ctx context.Context) (*Actor, bool)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context) (*Actor, bool)

// Resolve calls f(ctx)
func (f ResolverFunc) Resolve(ctx context.Context) (*Actor, bool) {
	return f(ctx)
}

// ContextResolver returns the actor placed in the context with WithActor
type ContextResolver struct{}

// Resolve implements Resolver
func (ContextResolver) Resolve(ctx context.Context) (*Actor, bool) {
	return ActorFrom(ctx)
}
