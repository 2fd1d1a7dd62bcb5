package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/rewards-hub/api/internal/domain"
)

// Identity captures the authenticated principal extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Actor domain.Actor

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity acts with one of roles.
func (i *Identity) HasRole(roles ...domain.Role) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if i.Actor.Role == role {
			return true
		}
	}
	return false
}

type contextKey string

const (
	identityContextKey contextKey = "github.com/rewards-hub/api/internal/platform/auth/identity"
	actorContextKey    contextKey = "github.com/rewards-hub/api/internal/platform/auth/actor"
)

// WithIdentity stores the identity and its actor within the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, identityContextKey, identity)
	return WithActor(ctx, identity.Actor)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// WithActor stores the acting principal. Service callers authenticated without a Firebase
// token (scheduler, ingestion webhooks) only carry an actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext returns the actor stored by any of the authentication middlewares.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}
