// Package remote defines the cloud mirror contract the reconciler syncs
// against.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yourownai/relay/internal/model"
)

// Record is one remote row.
type Record struct {
	Type model.EntityType `json:"type"`
	ID   string           `json:"id"`
	// Version is the entity's logical version; Push compares it.
	Version int64 `json:"version"`
	// Seq is assigned by the mirror on every accepted write and increases
	// per entity type. It is the pull cursor.
	Seq       int64           `json:"seq"`
	Deleted   bool            `json:"deleted"`
	Origin    string          `json:"origin"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Cursor is the highest Seq applied for an entity type.
type Cursor int64

// Change is a realtime notification that a row was written.
type Change struct {
	Type model.EntityType `json:"type"`
	ID   string           `json:"id"`
	Seq  int64            `json:"seq"`
}

// Mirror is the remote store.
type Mirror interface {
	// Name identifies the mirror; pull cursors are kept per name.
	Name() string
	// Push writes rec if the mirror's current version of the entity equals
	// expectedVersion (0 when absent). On mismatch it returns a
	// *ConflictError carrying the current row.
	Push(ctx context.Context, rec Record, expectedVersion int64) (Record, error)
	// Pull returns up to limit rows with Seq > since in Seq order, and the
	// cursor to use next.
	Pull(ctx context.Context, t model.EntityType, since Cursor, limit int) ([]Record, Cursor, error)
	// Subscribe opens the realtime feed for t. It may return
	// ErrFeedUnavailable. The channel is closed when the feed drops.
	Subscribe(ctx context.Context, t model.EntityType) (<-chan Change, error)
	HealthPing(ctx context.Context) error
	Close() error
}

// ErrFeedUnavailable is returned by mirrors without a realtime feed.
var ErrFeedUnavailable = errors.New("realtime feed unavailable")

// ConflictError reports a failed compare-and-swap.
type ConflictError struct {
	Current Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote %s/%s is at version %d", e.Current.Type, e.Current.ID, e.Current.Version)
}

// Is lets errors.Is(err, model.ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == model.ErrConflict }

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
