package ledger

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
)

var (
	// ErrConflict is returned by Claim when the port or the router already
	// holds an active row. Callers retry against another candidate.
	ErrConflict = errors.New("allocation conflict")
	ErrNotFound = errors.New("allocation not found")
	// ErrMismatch is returned when a heartbeat or release names a port whose
	// active row belongs to a different router.
	ErrMismatch = errors.New("router does not own port")
)

// Credentials are stored with a lease solely so the health monitor can probe
// the tunnel. They are never echoed through the read API.
type Credentials struct {
	Username string
	Secret   string
}

// Allocation is one row of the port ledger. A port may have many historical
// rows but at most one with StatusActive; the same holds per router id.
type Allocation struct {
	ID            string
	Port          int
	RouterID      string
	Status        Status
	AllocatedAt   time.Time
	LastHeartbeat time.Time
	ReleasedAt    time.Time // zero while active
	Credentials   *Credentials
}

func (a Allocation) Active() bool {
	return a.Status == StatusActive
}

type Stats struct {
	Total           int
	Active          int
	Released        int
	WithCredentials int

	OldestActiveHeartbeat time.Time
}

// Store is the durable port ledger. It is the sole source of truth: nothing
// is cached outside it between operations, so a process restart recovers all
// state from the backend.
//
// Claim must be an atomic insert-if-absent over the (port, active) and
// (router_id, active) uniqueness constraints. Every other mutation is a
// single conditional transaction, so a failure never leaves partial state.
type Store interface {
	// Claim inserts a new active row. Returns ErrConflict when the port or
	// the router already has an active row.
	Claim(alloc Allocation) (Allocation, error)

	// GetByPort returns the active row for the port, or ErrNotFound.
	GetByPort(port int) (Allocation, error)

	// GetByRouter returns the active row for the router, or ErrNotFound.
	GetByRouter(routerID string) (Allocation, error)

	// UpdateHeartbeat bumps LastHeartbeat on the active row for port,
	// conditioned on routerID owning it. Returns ErrNotFound when no active
	// row exists and ErrMismatch when it belongs to another router. The
	// stored timestamp never moves backwards.
	UpdateHeartbeat(port int, routerID string) (Allocation, error)

	// Release flips the active row for (port, routerID) to released. Returns
	// false without error when no matching active row exists, keeping
	// release idempotent.
	Release(port int, routerID string) (bool, error)

	// List returns every row, released history included, ordered by port
	// then allocation time.
	List() ([]Allocation, error)

	// ListActive returns all active rows ordered by port.
	ListActive() ([]Allocation, error)

	// ListActiveOlderThan returns active rows whose LastHeartbeat is strictly
	// before cutoff, ordered by port.
	ListActiveOlderThan(cutoff time.Time) ([]Allocation, error)

	// ResetAll releases every active row in one transaction and returns how
	// many rows were flipped.
	ResetAll() (int, error)

	Stats() (Stats, error)

	Close() error
}
