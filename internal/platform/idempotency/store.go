package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a completed response is replayed.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle position of a key.
type State string

const (
	StateInFlight State = "in_flight"
	StateDone     State = "done"
)

// Outcome is the result of Begin.
type Outcome int

const (
	// OutcomeAcquired means the caller now owns the key and must Finish or Abandon it.
	OutcomeAcquired Outcome = iota
	// OutcomeReplay means a stored response exists for the key.
	OutcomeReplay
	// OutcomeBusy means another request holds the key.
	OutcomeBusy
)

// Entry is the persisted form of a key.
type Entry struct {
	Key         string
	Fingerprint string
	State       State
	Status      int
	Header      map[string][]string
	Body        []byte
	StartedAt   time.Time
	ExpiresAt   time.Time
}

// Snapshot is a captured handler response.
type Snapshot struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists key ownership and completed responses.
type Store interface {
	// Begin claims key for fingerprint. A key already bound to a different fingerprint
	// yields ErrKeyReused.
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Finish(ctx context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
}

// ErrKeyReused marks a key presented with a different request body or route.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

func documentID(key string) string {
	return digest([]byte(strings.TrimSpace(key)))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newInFlight(key, fingerprint string, now time.Time, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInFlight,
		StartedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// decide classifies an existing entry for a new Begin call.
func decide(existing Entry, fingerprint string) (Outcome, error) {
	if existing.Fingerprint != fingerprint {
		return OutcomeBusy, ErrKeyReused
	}
	if existing.State == StateDone {
		return OutcomeReplay, nil
	}
	return OutcomeBusy, nil
}

func completed(entry Entry, snap Snapshot, now time.Time, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry.State = StateDone
	entry.Status = snap.Status
	entry.Header = storableHeader(snap.Header)
	entry.Body = append([]byte(nil), snap.Body...)
	entry.ExpiresAt = now.Add(ttl)
	return entry
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func storableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[canonical]; skip {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
