// Package audit records who changed an aggregate and how.
package audit

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"stockledger/internal/core/id"
)

// Action is the audited operation.
type Action string

const (
	ActionCreate  Action = "create"
	ActionSubmit  Action = "submit"
	ActionReserve Action = "reserve"
	ActionRelease Action = "release"
	ActionFulfill Action = "fulfill"
	ActionCancel  Action = "cancel"
	ActionClose   Action = "close"
)

// Entry is one audited change.
type Entry struct {
	ID         id.ID
	TenantID   string
	EntityType string
	EntityID   id.ID
	Action     Action
	ActorID    string
	Changes    map[string]any
	CreatedAt  time.Time
}

// Recorder persists entries. Implementations are called inside the
// transaction of the audited change.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// Diff returns {key: {old, new}} for every key whose value differs.
func Diff(oldState, newState map[string]any) map[string]any {
	changes := make(map[string]any)
	for key, newVal := range newState {
		oldVal, exists := oldState[key]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			changes[key] = map[string]any{"old": oldVal, "new": newVal}
		}
	}
	for key, oldVal := range oldState {
		if _, exists := newState[key]; !exists {
			changes[key] = map[string]any{"old": oldVal, "new": nil}
		}
	}
	return changes
}

// Describe renders an entry for logs.
func (e Entry) Describe() string {
	return fmt.Sprintf("%s %s/%s by %q", e.Action, e.EntityType, e.EntityID, e.ActorID)
}
