// Package context provides request-scoped values carried through the engine.
package context

import (
	"context"
)

// Actor identifies who or what invoked an operation. Collaborators that
// authenticate callers populate it; the engine only records it for audit and logs.
type Actor struct {
	ActorID  string
	TenantID string
	Source   string // "cli", "worker", service name of the caller
}

type actorContextKey struct{}

// WithActor adds Actor to context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns Actor from context.
func GetActor(ctx context.Context) *Actor {
	if v, ok := ctx.Value(actorContextKey{}).(*Actor); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context or empty string.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.ActorID
	}
	return ""
}
