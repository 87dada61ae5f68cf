// Package reqctx carries request-scoped identity through context.Context.
package reqctx

import (
	"context"
	"strings"
)

// SystemActor stamps audit fields when no caller identity is attached.
const SystemActor = "system"

type actorKey struct{}

func WithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

// Actor returns the acting user id, or SystemActor.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
