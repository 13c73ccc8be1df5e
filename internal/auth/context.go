package auth

import (
	"context"

	"bifrost.org/internal/identity"
)

type applicationContextKey struct{}
type actorContextKey struct{}

// ContextWithApplication attaches the authenticated client application.
func ContextWithApplication(ctx context.Context, app identity.Application) context.Context {
	return context.WithValue(ctx, applicationContextKey{}, &app)
}

// ApplicationFromContext returns the authenticated client application.
func ApplicationFromContext(ctx context.Context) (identity.Application, bool) {
	if ctx == nil {
		return identity.Application{}, false
	}
	v, ok := ctx.Value(applicationContextKey{}).(*identity.Application)
	if !ok || v == nil {
		return identity.Application{}, false
	}
	return *v, true
}

// ContextWithActor records who performs the current operation, for audit.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the recorded actor.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
