package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
)

type actorKey struct{}

// Actor is the authenticated caller behind a request.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

// WithActor stores the caller on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller and whether Auth has run.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// UserUUIDFromContext returns the authenticated user, or uuid.Nil.
func UserUUIDFromContext(ctx context.Context) uuid.UUID {
	actor, _ := ActorFromContext(ctx)
	return actor.UserID
}

// UserIDFromContext is the string form used in cache keys. Anonymous
// requests yield "".
func UserIDFromContext(ctx context.Context) string {
	if id := UserUUIDFromContext(ctx); id != uuid.Nil {
		return id.String()
	}
	return ""
}

func IsOperator(ctx context.Context) bool {
	actor, _ := ActorFromContext(ctx)
	return actor.Role == enums.ActorRoleOperator
}
