package observability

import (
	"context"

	domain "github.com/rewards-hub/api/internal/domain"
)

type actorHolderKey struct{}

type actorHolder struct {
	actor domain.Actor
	set   bool
}

func withActorHolder(ctx context.Context, holder *actorHolder) context.Context {
	return context.WithValue(ctx, actorHolderKey{}, holder)
}

func actorHolderFrom(ctx context.Context) *actorHolder {
	holder, _ := ctx.Value(actorHolderKey{}).(*actorHolder)
	return holder
}
