// Package portmgr implements the allocation engine that arbitrates the port
// pool. All ledger writes flow through a Manager, preserving a single write
// path; the HTTP API and the health monitor never touch the store directly.
package portmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tunnelward/portlease/internal/ledger"
)

var (
	// ErrPoolExhausted is returned when every port in the pool holds an
	// active lease. It is a per-request condition, never fatal.
	ErrPoolExhausted = errors.New("port pool exhausted")
)

type Manager struct {
	store   ledger.Store
	logger  *slog.Logger
	minPort int
	maxPort int
}

func New(store ledger.Store, minPort, maxPort int, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid pool bounds [%d..%d]", minPort, maxPort)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		minPort: minPort,
		maxPort: maxPort,
	}, nil
}

func (m *Manager) PoolSize() int {
	return m.maxPort - m.minPort + 1
}

func (m *Manager) MinPort() int { return m.minPort }
func (m *Manager) MaxPort() int { return m.maxPort }

// Allocate returns the router's existing active lease unchanged, or claims
// the lowest free port. Credentials supplied on a repeat call are ignored:
// stored credentials can only be replaced by releasing the lease first.
func (m *Manager) Allocate(routerID string, creds *ledger.Credentials) (ledger.Allocation, error) {
	routerID = strings.TrimSpace(routerID)
	if routerID == "" {
		return ledger.Allocation{}, errors.New("router id is required")
	}

	existing, err := m.store.GetByRouter(routerID)
	if err == nil {
		if creds != nil {
			m.logger.Debug("allocate_credentials_ignored",
				slog.String("router_id", routerID),
				slog.Int("port", existing.Port),
			)
		}
		return existing, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Allocation{}, err
	}

	active, err := m.store.ListActive()
	if err != nil {
		return ledger.Allocation{}, err
	}
	taken := make(map[int]struct{}, len(active))
	for _, row := range active {
		taken[row.Port] = struct{}{}
	}

	// Ascending scan for deterministic, auditable assignment. A claim lost
	// to a concurrent caller moves on to the next candidate; the scan is
	// bounded by the pool size.
	for port := m.minPort; port <= m.maxPort; port++ {
		if _, ok := taken[port]; ok {
			continue
		}
		claimed, err := m.store.Claim(ledger.Allocation{
			Port:        port,
			RouterID:    routerID,
			Credentials: creds,
		})
		if err == nil {
			m.logger.Info("port_allocated",
				slog.Int("port", claimed.Port),
				slog.String("router_id", routerID),
			)
			return claimed, nil
		}
		if errors.Is(err, ledger.ErrConflict) {
			// Either another caller took this port, or a concurrent
			// allocate for the same router already won; the latter is
			// the idempotent success case.
			if current, gerr := m.store.GetByRouter(routerID); gerr == nil {
				return current, nil
			}
			continue
		}
		return ledger.Allocation{}, err
	}

	m.logger.Warn("pool_exhausted",
		slog.String("router_id", routerID),
		slog.Int("pool_size", m.PoolSize()),
	)
	return ledger.Allocation{}, ErrPoolExhausted
}

// Release frees the router's lease on the port. Returns false when no
// matching active lease exists, keeping release idempotent against races
// between agent disconnect and server-side reclamation.
func (m *Manager) Release(port int, routerID string) (bool, error) {
	released, err := m.store.Release(port, routerID)
	if err != nil {
		return false, err
	}
	if released {
		m.logger.Info("port_released",
			slog.Int("port", port),
			slog.String("router_id", routerID),
		)
	}
	return released, nil
}

// Heartbeat bumps the lease's liveness timestamp. A non-owning router gets
// ledger.ErrMismatch; that is the authorization check keeping one agent from
// refreshing another's lease.
func (m *Manager) Heartbeat(port int, routerID string) (ledger.Allocation, error) {
	return m.store.UpdateHeartbeat(port, routerID)
}

func (m *Manager) GetByPort(port int) (ledger.Allocation, error) {
	return m.store.GetByPort(port)
}

func (m *Manager) GetByRouter(routerID string) (ledger.Allocation, error) {
	return m.store.GetByRouter(routerID)
}

func (m *Manager) ListAll() ([]ledger.Allocation, error) {
	return m.store.List()
}

func (m *Manager) ListActive() ([]ledger.Allocation, error) {
	return m.store.ListActive()
}

// ListStale returns active leases whose last heartbeat is older than cutoff.
func (m *Manager) ListStale(cutoff time.Time) ([]ledger.Allocation, error) {
	return m.store.ListActiveOlderThan(cutoff)
}

// ResetAll releases every active lease in one atomic step and returns the
// number affected. No caller can observe a partially reset pool.
func (m *Manager) ResetAll() (int, error) {
	count, err := m.store.ResetAll()
	if err != nil {
		return 0, err
	}
	m.logger.Info("pool_reset", slog.Int("released", count))
	return count, nil
}

func (m *Manager) Stats() (ledger.Stats, error) {
	return m.store.Stats()
}
