package portmgr

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tunnelward/portlease/internal/ledger"
)

func newTestManager(t *testing.T, minPort, maxPort int) (*Manager, *ledger.MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store := ledger.NewMemoryStore(ledger.WithNowFunc(func() time.Time { return now }))
	m, err := New(store, minPort, maxPort, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store, &now
}

func TestNew_RejectsInvalidBounds(t *testing.T) {
	store := ledger.NewMemoryStore()
	for _, tc := range []struct {
		name     string
		min, max int
	}{
		{"zero min", 0, 100},
		{"inverted", 2300, 2200},
		{"above range", 2200, 70000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(store, tc.min, tc.max, nil); err == nil {
				t.Fatalf("New(%d, %d) succeeded, want error", tc.min, tc.max)
			}
		})
	}
	if _, err := New(nil, 2200, 2299, nil); err == nil {
		t.Fatal("New with nil store succeeded, want error")
	}
}

func TestAllocate_AssignsLowestFreePort(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2204)

	first, err := m.Allocate("r1", nil)
	if err != nil {
		t.Fatalf("allocate r1: %v", err)
	}
	if first.Port != 2200 {
		t.Fatalf("first port=%d, want 2200", first.Port)
	}

	second, err := m.Allocate("r2", nil)
	if err != nil {
		t.Fatalf("allocate r2: %v", err)
	}
	if second.Port != 2201 {
		t.Fatalf("second port=%d, want 2201", second.Port)
	}
}

func TestAllocate_IsIdempotentPerRouter(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2204)

	first, err := m.Allocate("r1", &ledger.Credentials{Username: "probe", Secret: "one"})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// The repeat call carries different credentials; they must not replace
	// the stored ones.
	again, err := m.Allocate("r1", &ledger.Credentials{Username: "probe", Secret: "two"})
	if err != nil {
		t.Fatalf("repeat allocate: %v", err)
	}
	if again.Port != first.Port || again.ID != first.ID {
		t.Fatalf("repeat allocate got %+v, want existing lease %+v", again, first)
	}
	if again.Credentials == nil || again.Credentials.Secret != "one" {
		t.Fatalf("credentials=%+v, want original secret preserved", again.Credentials)
	}
}

func TestAllocate_RejectsEmptyRouterID(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2204)
	if _, err := m.Allocate("   ", nil); err == nil {
		t.Fatal("expected error for blank router id")
	}
}

func TestAllocate_PoolExhaustedThenRecovers(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2202)

	for i := 0; i < 3; i++ {
		if _, err := m.Allocate(fmt.Sprintf("r%d", i), nil); err != nil {
			t.Fatalf("allocate r%d: %v", i, err)
		}
	}
	if _, err := m.Allocate("late", nil); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("allocate on full pool err=%v, want ErrPoolExhausted", err)
	}

	released, err := m.Release(2201, "r1")
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}

	got, err := m.Allocate("late", nil)
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if got.Port != 2201 {
		t.Fatalf("recovered port=%d, want freed 2201", got.Port)
	}
}

func TestAllocate_ConcurrentCallersGetDistinctPorts(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2299)

	const callers = 5
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports = make(map[int]string, callers)
		errs  []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(router string) {
			defer wg.Done()
			alloc, err := m.Allocate(router, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if prev, dup := ports[alloc.Port]; dup {
				errs = append(errs, fmt.Errorf("port %d handed to both %s and %s", alloc.Port, prev, router))
				return
			}
			ports[alloc.Port] = router
		}(fmt.Sprintf("r%d", i))
	}
	wg.Wait()

	for _, err := range errs {
		t.Error(err)
	}
	if len(ports) != callers {
		t.Fatalf("distinct ports=%d, want %d", len(ports), callers)
	}
}

func TestAllocate_ConcurrentSameRouterConvergesOnOneLease(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2299)

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports = make(map[int]struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := m.Allocate("r1", nil)
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			ports[alloc.Port] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ports) != 1 {
		t.Fatalf("router ended up with %d ports (%v), want exactly 1", len(ports), ports)
	}
	active, err := m.ListActive()
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active leases=%d, want 1", len(active))
	}
}

func TestRelease_WrongOwnerIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2204)

	alloc, err := m.Allocate("r1", nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	released, err := m.Release(alloc.Port, "intruder")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatal("wrong owner released the lease")
	}

	got, err := m.GetByPort(alloc.Port)
	if err != nil {
		t.Fatalf("get by port: %v", err)
	}
	if got.RouterID != "r1" || got.Status != ledger.StatusActive {
		t.Fatalf("lease after foreign release=%+v, want untouched", got)
	}
}

func TestHeartbeat_PropagatesOwnershipErrors(t *testing.T) {
	m, _, now := newTestManager(t, 2200, 2204)

	alloc, err := m.Allocate("r1", nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	*now = now.Add(10 * time.Minute)
	beat, err := m.Heartbeat(alloc.Port, "r1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !beat.LastHeartbeat.After(alloc.LastHeartbeat) {
		t.Fatalf("heartbeat did not advance: %v -> %v", alloc.LastHeartbeat, beat.LastHeartbeat)
	}

	if _, err := m.Heartbeat(alloc.Port, "intruder"); !errors.Is(err, ledger.ErrMismatch) {
		t.Fatalf("foreign heartbeat err=%v, want ErrMismatch", err)
	}
	if _, err := m.Heartbeat(2204, "r1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("heartbeat on free port err=%v, want ErrNotFound", err)
	}
}

func TestListStale_UsesCutoff(t *testing.T) {
	m, _, now := newTestManager(t, 2200, 2204)

	if _, err := m.Allocate("old", nil); err != nil {
		t.Fatalf("allocate old: %v", err)
	}
	*now = now.Add(2 * time.Hour)
	fresh, err := m.Allocate("fresh", nil)
	if err != nil {
		t.Fatalf("allocate fresh: %v", err)
	}

	stale, err := m.ListStale(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].RouterID != "old" {
		t.Fatalf("stale=%+v, want only the old lease", stale)
	}
	for _, row := range stale {
		if row.Port == fresh.Port {
			t.Fatal("fresh lease reported stale")
		}
	}
}

func TestResetAll_FreesEveryPort(t *testing.T) {
	m, _, _ := newTestManager(t, 2200, 2204)

	for i := 0; i < 3; i++ {
		if _, err := m.Allocate(fmt.Sprintf("r%d", i), nil); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}

	count, err := m.ResetAll()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if count != 3 {
		t.Fatalf("reset count=%d, want 3", count)
	}

	active, err := m.ListActive()
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active after reset=%d, want 0", len(active))
	}

	// The pool is immediately reusable.
	alloc, err := m.Allocate("r9", nil)
	if err != nil {
		t.Fatalf("allocate after reset: %v", err)
	}
	if alloc.Port != 2200 {
		t.Fatalf("port after reset=%d, want 2200", alloc.Port)
	}
}

func TestAllocate_StorageErrorsPropagate(t *testing.T) {
	boom := errors.New("disk gone")
	m, err := New(failingStore{err: boom}, 2200, 2204, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Allocate("r1", nil); !errors.Is(err, boom) {
		t.Fatalf("allocate err=%v, want wrapped storage error", err)
	}
}

// failingStore errors on every read so storage failures surface unchanged.
type failingStore struct {
	err error
}

func (f failingStore) Claim(ledger.Allocation) (ledger.Allocation, error) {
	return ledger.Allocation{}, f.err
}
func (f failingStore) GetByPort(int) (ledger.Allocation, error) { return ledger.Allocation{}, f.err }
func (f failingStore) GetByRouter(string) (ledger.Allocation, error) {
	return ledger.Allocation{}, f.err
}
func (f failingStore) UpdateHeartbeat(int, string) (ledger.Allocation, error) {
	return ledger.Allocation{}, f.err
}
func (f failingStore) Release(int, string) (bool, error)       { return false, f.err }
func (f failingStore) List() ([]ledger.Allocation, error)      { return nil, f.err }
func (f failingStore) ListActive() ([]ledger.Allocation, error) {
	return nil, f.err
}
func (f failingStore) ListActiveOlderThan(time.Time) ([]ledger.Allocation, error) {
	return nil, f.err
}
func (f failingStore) ResetAll() (int, error)      { return 0, f.err }
func (f failingStore) Stats() (ledger.Stats, error) { return ledger.Stats{}, f.err }
func (f failingStore) Close() error                { return nil }
