package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps the ledger in process memory. It exists for tests and
// single-shot dev runs; it honors the same contract as the durable backends
// but obviously does not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	nowFn func() time.Time

	byPort   map[int]*Allocation    // active rows
	byRouter map[string]*Allocation // active rows, same pointers as byPort
	history  []*Allocation          // released rows, oldest first
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:    time.Now,
		byPort:   make(map[int]*Allocation),
		byRouter: make(map[string]*Allocation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *MemoryStore) Claim(alloc Allocation) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byPort[alloc.Port]; taken {
		return Allocation{}, ErrConflict
	}
	if _, taken := s.byRouter[alloc.RouterID]; taken {
		return Allocation{}, ErrConflict
	}

	now := s.now()
	row := alloc
	if row.ID == "" {
		row.ID = newHexID("lse_")
	}
	row.Status = StatusActive
	if row.AllocatedAt.IsZero() {
		row.AllocatedAt = now
	}
	if row.LastHeartbeat.IsZero() {
		row.LastHeartbeat = row.AllocatedAt
	}
	row.ReleasedAt = time.Time{}
	row.Credentials = cloneCredentials(row.Credentials)

	s.byPort[row.Port] = &row
	s.byRouter[row.RouterID] = &row
	return copyAllocation(&row), nil
}

func (s *MemoryStore) GetByPort(port int) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byPort[port]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	return copyAllocation(row), nil
}

func (s *MemoryStore) GetByRouter(routerID string) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byRouter[routerID]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	return copyAllocation(row), nil
}

func (s *MemoryStore) UpdateHeartbeat(port int, routerID string) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byPort[port]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	if row.RouterID != routerID {
		return Allocation{}, ErrMismatch
	}
	if now := s.now(); now.After(row.LastHeartbeat) {
		row.LastHeartbeat = now
	}
	return copyAllocation(row), nil
}

func (s *MemoryStore) Release(port int, routerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byPort[port]
	if !ok || row.RouterID != routerID {
		return false, nil
	}
	s.releaseLocked(row)
	return true, nil
}

func (s *MemoryStore) releaseLocked(row *Allocation) {
	row.Status = StatusReleased
	row.ReleasedAt = s.now()
	delete(s.byPort, row.Port)
	delete(s.byRouter, row.RouterID)
	s.history = append(s.history, row)
}

func (s *MemoryStore) List() ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Allocation, 0, len(s.byPort)+len(s.history))
	for _, row := range s.byPort {
		out = append(out, copyAllocation(row))
	}
	for _, row := range s.history {
		out = append(out, copyAllocation(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].AllocatedAt.Before(out[j].AllocatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListActive() ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listActiveLocked(func(*Allocation) bool { return true }), nil
}

func (s *MemoryStore) ListActiveOlderThan(cutoff time.Time) ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listActiveLocked(func(row *Allocation) bool {
		return row.LastHeartbeat.Before(cutoff)
	}), nil
}

func (s *MemoryStore) listActiveLocked(keep func(*Allocation) bool) []Allocation {
	out := make([]Allocation, 0, len(s.byPort))
	for _, row := range s.byPort {
		if keep(row) {
			out = append(out, copyAllocation(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (s *MemoryStore) ResetAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*Allocation, 0, len(s.byPort))
	for _, row := range s.byPort {
		rows = append(rows, row)
	}
	for _, row := range rows {
		s.releaseLocked(row)
	}
	return len(rows), nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Total:    len(s.byPort) + len(s.history),
		Active:   len(s.byPort),
		Released: len(s.history),
	}
	for _, row := range s.byPort {
		if row.Credentials != nil {
			st.WithCredentials++
		}
		if st.OldestActiveHeartbeat.IsZero() || row.LastHeartbeat.Before(st.OldestActiveHeartbeat) {
			st.OldestActiveHeartbeat = row.LastHeartbeat
		}
	}
	return st, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyAllocation(row *Allocation) Allocation {
	out := *row
	out.Credentials = cloneCredentials(row.Credentials)
	return out
}

func cloneCredentials(c *Credentials) *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}
