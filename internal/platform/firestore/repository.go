package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection is a typed view over one collection; T is the Firestore document struct.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection to the provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: name}
}

// Name returns the collection path.
func (c *Collection[T]) Name() string { return c.name }

// Ref returns the collection reference.
func (c *Collection[T]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

// Doc returns the reference of document id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if id == "" {
		return nil, fmt.Errorf("%s: document id is required", c.name)
	}
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

// Get reads and decodes document id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(c.name+".get", err)
	}
	return Decode[T](snap)
}

// GetTx reads and decodes ref inside tx; found is false for a missing document.
func GetTx[T any](tx *firestore.Transaction, ref *firestore.DocumentRef) (doc T, found bool, err error) {
	snap, err := tx.Get(ref)
	if IsNotFound(err) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	doc, err = Decode[T](snap)
	return doc, err == nil, err
}

// Decode converts a snapshot into T.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var doc T
	if err := snap.DataTo(&doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", snap.Ref.Path, err)
	}
	return doc, nil
}

// All drains query and decodes every document.
func All[T any](ctx context.Context, op string, query firestore.Query) ([]T, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		doc, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
}
