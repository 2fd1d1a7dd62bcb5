package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore keeps entries in a collection keyed by the hashed idempotency key. A
// Firestore TTL policy on expiresAt should be configured to purge old documents.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore constructs the store; an empty collection selects the default.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

type entryDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"state"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	StartedAt   time.Time           `firestore:"startedAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func toDocument(e Entry) entryDocument {
	return entryDocument{
		Key:         e.Key,
		Fingerprint: e.Fingerprint,
		State:       string(e.State),
		Status:      e.Status,
		Header:      e.Header,
		Body:        e.Body,
		StartedAt:   e.StartedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		State:       State(d.State),
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		StartedAt:   d.StartedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

// Begin implements Store.
func (s *FirestoreStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	ref := s.client.Collection(s.collection).Doc(documentID(key))
	var (
		outcome Outcome
		result  Entry
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			existing := doc.entry()
			if now.Before(existing.ExpiresAt) {
				decided, decideErr := decide(existing, fingerprint)
				outcome, result = decided, existing
				return decideErr
			}
		}
		entry := newInFlight(key, fingerprint, now, ttl)
		outcome, result = OutcomeAcquired, entry
		return tx.Set(ref, toDocument(entry))
	})
	if err != nil {
		if errors.Is(err, ErrKeyReused) {
			return OutcomeBusy, result, err
		}
		return OutcomeBusy, Entry{}, fmt.Errorf("idempotency: reserve key: %w", err)
	}
	return outcome, result, nil
}

// Finish implements Store.
func (s *FirestoreStore) Finish(ctx context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error {
	ref := s.client.Collection(s.collection).Doc(documentID(key))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := tx.Get(ref)
		existing := newInFlight(key, fingerprint, now, ttl)
		switch {
		case err == nil:
			var doc entryDocument
			if err := current.DataTo(&doc); err != nil {
				return err
			}
			existing = doc.entry()
		case status.Code(err) != codes.NotFound:
			return err
		}
		if existing.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		return tx.Set(ref, toDocument(completed(existing, snap, now, ttl)))
	})
}

// Abandon implements Store.
func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.collection).Doc(documentID(key)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("idempotency: release key: %w", err)
	}
	return nil
}
