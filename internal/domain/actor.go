package domain

import "context"

type actorKey struct{}

// WithActor returns a context carrying the id of the account on whose behalf
// the request runs.
func WithActor(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, actorKey{}, accountID)
}

// ActorFrom returns the account id stored by WithActor.
func ActorFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actorKey{}).(string)
	return id, ok && id != ""
}
