// Package journal keeps the client-side record of install sessions this
// client created, so their lifecycle state survives the handle that drove it.
//
// Records are namespaced by owner identity; List never returns a record
// stored under a different owner.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/installsession-go/identity"
)

// ErrInvalidRecord is returned when a record lacks an id or owner.
var ErrInvalidRecord = errors.New("journal: invalid record")

// Record is the persisted view of one session.
type Record struct {
	ID             int               `json:"id"`
	Owner          identity.Identity `json:"owner"`
	State          string            `json:"state"`
	Artifacts      []string          `json:"artifacts,omitempty"`
	CommitTimedOut bool              `json:"commit_timed_out,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Validate checks the fields every backend relies on.
func (r *Record) Validate() error {
	if r == nil || r.ID == 0 || r.Owner.OwnerName == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Store persists session records.
type Store interface {
	// Put creates or replaces the record for r.ID.
	Put(ctx context.Context, r *Record) error
	// Get returns the record for id, or nil if none exists.
	Get(ctx context.Context, id int) (*Record, error)
	// Delete removes the record for id. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, id int) error
	// List returns the records stored for owner ordered by id.
	List(ctx context.Context, owner identity.Identity) ([]*Record, error)
	// Close releases backend resources.
	Close() error
}
