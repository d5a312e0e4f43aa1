// Package idempotency deduplicates client retries.
//
// A Guard is a key→outcome store with a TTL. The first request with a key
// acquires it (pending), does its work and completes it with an outcome. Later
// requests with the same key and the same fingerprint get the stored outcome
// back instead of re-applying the work.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status of a key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Defaults
const (
	DefaultTTL         = 24 * time.Hour
	DefaultLockTimeout = time.Minute
)

// Scope namespaces keys: the same client key may be used for different
// operations or resources without colliding.
type Scope struct {
	TenantID   string
	Operation  string
	ResourceID string
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s", s.TenantID, s.Operation, s.ResourceID)
}

// Record is a stored key.
type Record struct {
	Scope       Scope           `json:"scope"`
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// Decode unmarshals the stored outcome into v.
func (r *Record) Decode(v any) error {
	if len(r.Outcome) == 0 {
		return fmt.Errorf("idempotency record %s has no outcome", r.Key)
	}
	return json.Unmarshal(r.Outcome, v)
}

// Guard is implemented by postgres, redis and memory stores.
type Guard interface {
	// Begin acquires key. It returns (nil, nil) when the caller owns the key and
	// must do the work, the completed record when the work was already done,
	// IdempotencyConflict while another request holds the key, and
	// IdempotencyMismatch when the key was used with a different fingerprint.
	Begin(ctx context.Context, scope Scope, key, fingerprint string) (*Record, error)

	// Complete stores the outcome and marks the key completed.
	Complete(ctx context.Context, scope Scope, key string, outcome any) error

	// Abort releases a pending key so the request can be retried.
	Abort(ctx context.Context, scope Scope, key string) error
}

// Cleaner removes expired keys.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Fingerprint hashes the JSON form of the request parts. A part that cannot
// be encoded is an error, never a shared hash.
func Fingerprint(parts ...any) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("fingerprint part %d: %w", i, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarshalOutcome encodes an outcome for storage.
func MarshalOutcome(outcome any) (json.RawMessage, error) {
	if outcome == nil {
		return nil, nil
	}
	b, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency outcome: %w", err)
	}
	return b, nil
}
