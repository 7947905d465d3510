package storage

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Store is the local history of lease and toggle events. It is
// observability only: the hub remains the authority on leases, and
// losing this file loses nothing but hindsight.
type Store interface {
	// AppendLease records a freshly allocated lease.
	AppendLease(rec *types.LeaseRecord) error

	// FinalizeLease stamps the release time, duration and reason onto
	// an existing record. Unknown lease ids are ignored.
	FinalizeLease(leaseID string, releasedAt time.Time, reason string) error

	// ListLeases returns up to limit records, newest first. limit <= 0
	// returns everything.
	ListLeases(limit int) ([]*types.LeaseRecord, error)

	// AppendToggle records one toggle event.
	AppendToggle(rec *types.ToggleRecord) error

	// ListToggles returns up to limit records, newest first. limit <= 0
	// returns everything.
	ListToggles(limit int) ([]*types.ToggleRecord, error)

	Close() error
}
