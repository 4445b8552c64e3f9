// Package remote is the boundary to the external consistency authority.
// The authority's own protocol is not this layer's concern; everything the
// sync core needs is upsert-by-key, delete, filtered select, and a change
// stream.
package remote

import (
	"context"
	"errors"
)

// Tables known to the sync core.
const (
	TableMachines = "machines"
	TableSessions = "live_sessions"
)

// ErrUnconfigured is returned by operations attempted without a remote.
var ErrUnconfigured = errors.New("remote authority is not configured")

// Record is one row as exchanged with the authority.
type Record map[string]any

// Event is a change notification for one row. The sync core ignores
// Record contents for sessions and re-queries the full set instead.
type Event struct {
	Type   string `json:"type"` // INSERT | UPDATE | DELETE
	Table  string `json:"table"`
	Record Record `json:"record,omitempty"`
}

// Unsubscribe tears down a change subscription. Safe to call repeatedly.
type Unsubscribe func()

// Adapter is the abstract remote authority.
//
// Upsert must be atomic with respect to conflictKey: racing upserts on the
// same key converge to whichever write the authority commits last. The
// sync core performs no conflict resolution of its own beyond "last write
// observed wins".
type Adapter interface {
	Upsert(ctx context.Context, table string, record Record, conflictKey string) error
	Delete(ctx context.Context, table, id string) error
	Select(ctx context.Context, table string, filter map[string]string) ([]Record, error)
	Subscribe(table string, onChange func(Event)) (Unsubscribe, error)
}
