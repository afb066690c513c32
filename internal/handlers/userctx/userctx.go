// Package userctx carries the authenticated caller through the request context.
package userctx

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
)

// Handler reached without auth middleware
var ErrNoActor = errors.New("no authenticated user in context")

type actorKey struct{}

func WithActor(ctx context.Context, actor models.User) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func Actor(ctx context.Context) (models.User, error) {
	actor, ok := ctx.Value(actorKey{}).(models.User)
	if !ok {
		return models.User{}, ErrNoActor
	}
	return actor, nil
}

// Return the actor if it may act on the user with id: itself or anyone for admin.
// Returns apperrors.ErrForbidden otherwise
func ActOn(ctx context.Context, id uuid.UUID) (models.User, error) {
	actor, err := Actor(ctx)
	if err != nil {
		return actor, err
	}

	if actor.ID != id && !actor.IsAdmin() {
		return actor, apperrors.ErrForbidden
	}
	return actor, nil
}
