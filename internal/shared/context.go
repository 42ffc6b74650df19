package shared

import "context"

type actorContextKey struct{}

// Actor identifies the authenticated caller for audit attribution. The
// authentication layer that fills it lives outside this service; handlers
// fall back to header values in development.
type Actor struct {
	UserID    int64
	CompanyID int64
}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
