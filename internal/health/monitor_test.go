package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tunnelward/portlease/internal/ledger"
	"github.com/tunnelward/portlease/internal/portmgr"
	"github.com/tunnelward/portlease/internal/probe"
)

type fakeProber struct {
	mu      sync.Mutex
	calls   []probe.Target
	aliveFn func(target probe.Target) bool
}

func (f *fakeProber) Probe(_ context.Context, target probe.Target) probe.Result {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.mu.Unlock()
	if f.aliveFn != nil && f.aliveFn(target) {
		return probe.Result{Alive: true, Output: "ok", Duration: time.Millisecond}
	}
	return probe.Result{Err: errors.New("connection refused"), Duration: time.Millisecond}
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestMonitor(t *testing.T) (*Monitor, *portmgr.Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemoryStore(ledger.WithNowFunc(func() time.Time { return now }))
	mgr, err := portmgr.New(store, 2200, 2299, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	mon := &Monitor{
		Manager:   mgr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProbeHost: "tunnel.example",
		nowFn:     func() time.Time { return now },
	}
	return mon, mgr, &now
}

func TestSweepStale_ReclaimsOnlyExpiredLeases(t *testing.T) {
	mon, mgr, now := newTestMonitor(t)
	mon.SetStaleThreshold(24 * time.Hour)

	old, err := mgr.Allocate("old-router", nil)
	if err != nil {
		t.Fatalf("allocate old: %v", err)
	}
	*now = now.Add(25 * time.Hour)
	fresh, err := mgr.Allocate("fresh-router", nil)
	if err != nil {
		t.Fatalf("allocate fresh: %v", err)
	}

	report := mon.sweepStale(context.Background())
	if report.Checked != 1 || report.Reclaimed != 1 || report.Errors != 0 {
		t.Fatalf("report=%+v, want 1 checked, 1 reclaimed", report)
	}

	if _, err := mgr.GetByPort(old.Port); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("stale lease lookup err=%v, want ErrNotFound", err)
	}
	if _, err := mgr.GetByPort(fresh.Port); err != nil {
		t.Fatalf("fresh lease reclaimed: %v", err)
	}
}

func TestSweepStale_HeartbeatKeepsLeaseAlive(t *testing.T) {
	mon, mgr, now := newTestMonitor(t)
	mon.SetStaleThreshold(24 * time.Hour)

	alloc, err := mgr.Allocate("r1", nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	*now = now.Add(23 * time.Hour)
	if _, err := mgr.Heartbeat(alloc.Port, "r1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	*now = now.Add(2 * time.Hour)

	report := mon.sweepStale(context.Background())
	if report.Reclaimed != 0 {
		t.Fatalf("reclaimed=%d, want 0 after recent heartbeat", report.Reclaimed)
	}
	if _, err := mgr.GetByPort(alloc.Port); err != nil {
		t.Fatalf("lease gone after sweep: %v", err)
	}
}

func TestSweepStale_ZeroThresholdDisablesReclamation(t *testing.T) {
	mon, mgr, now := newTestMonitor(t)

	if _, err := mgr.Allocate("r1", nil); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	*now = now.Add(1000 * time.Hour)

	report := mon.sweepStale(context.Background())
	if report.Checked != 0 || report.Reclaimed != 0 {
		t.Fatalf("report=%+v, want no-op with zero threshold", report)
	}
}

func TestSweepStale_ThresholdUpdatesTakeEffect(t *testing.T) {
	mon, mgr, now := newTestMonitor(t)
	mon.SetStaleThreshold(24 * time.Hour)

	if _, err := mgr.Allocate("r1", nil); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	*now = now.Add(2 * time.Hour)

	if report := mon.sweepStale(context.Background()); report.Reclaimed != 0 {
		t.Fatalf("reclaimed=%d under 24h threshold, want 0", report.Reclaimed)
	}

	mon.SetStaleThreshold(time.Hour)
	if report := mon.sweepStale(context.Background()); report.Reclaimed != 1 {
		t.Fatalf("reclaimed=%d under 1h threshold, want 1", report.Reclaimed)
	}
}

func TestSweepProbes_ReportsWithoutMutatingLedger(t *testing.T) {
	mon, mgr, _ := newTestMonitor(t)

	dead, err := mgr.Allocate("dead-router", &ledger.Credentials{Username: "probe", Secret: "x"})
	if err != nil {
		t.Fatalf("allocate dead: %v", err)
	}
	alive, err := mgr.Allocate("alive-router", &ledger.Credentials{Username: "probe", Secret: "y"})
	if err != nil {
		t.Fatalf("allocate alive: %v", err)
	}
	if _, err := mgr.Allocate("bare-router", nil); err != nil {
		t.Fatalf("allocate bare: %v", err)
	}

	prober := &fakeProber{aliveFn: func(target probe.Target) bool {
		return target.Port == alive.Port
	}}
	mon.Prober = prober

	report := mon.sweepProbes(context.Background())
	if report.Probed != 2 || report.Alive != 1 || report.Failed != 1 || report.Skipped != 1 {
		t.Fatalf("report=%+v, want probed=2 alive=1 failed=1 skipped=1", report)
	}

	// A failed probe never releases the lease.
	if _, err := mgr.GetByPort(dead.Port); err != nil {
		t.Fatalf("dead endpoint lost its lease: %v", err)
	}

	for _, call := range prober.calls {
		if call.Host != "tunnel.example" {
			t.Fatalf("probe host=%q, want tunnel.example", call.Host)
		}
	}
}

func TestSweepProbes_PassesLeaseCredentials(t *testing.T) {
	mon, mgr, _ := newTestMonitor(t)

	alloc, err := mgr.Allocate("r1", &ledger.Credentials{Username: "edge", Secret: "s3cret"})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	prober := &fakeProber{aliveFn: func(probe.Target) bool { return true }}
	mon.Prober = prober

	mon.sweepProbes(context.Background())
	if n := prober.callCount(); n != 1 {
		t.Fatalf("probe calls=%d, want 1", n)
	}
	call := prober.calls[0]
	if call.Port != alloc.Port || call.Username != "edge" || call.Secret != "s3cret" {
		t.Fatalf("probe target=%+v, want lease credentials and port", call)
	}
}

func TestMonitor_ObserveHooks(t *testing.T) {
	mon, mgr, now := newTestMonitor(t)
	mon.SetStaleThreshold(time.Hour)

	var (
		reclaims []ReclaimReport
		probes   []ProbeReport
	)
	mon.ObserveReclaim = func(r ReclaimReport) { reclaims = append(reclaims, r) }
	mon.ObserveProbe = func(r ProbeReport) { probes = append(probes, r) }
	mon.Prober = &fakeProber{}

	if _, err := mgr.Allocate("r1", &ledger.Credentials{Username: "u", Secret: "s"}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	*now = now.Add(2 * time.Hour)

	mon.sweepProbes(context.Background())
	mon.sweepStale(context.Background())

	if len(probes) != 1 || probes[0].Failed != 1 {
		t.Fatalf("probe observations=%+v, want one failed probe", probes)
	}
	if len(reclaims) != 1 || reclaims[0].Reclaimed != 1 {
		t.Fatalf("reclaim observations=%+v, want one reclaim", reclaims)
	}
}

func TestMonitor_StartAndDrain(t *testing.T) {
	mon, mgr, _ := newTestMonitor(t)
	mon.SetStaleThreshold(24 * time.Hour)
	mon.ReclaimInterval = 5 * time.Millisecond
	mon.ProbeInterval = 5 * time.Millisecond

	prober := &fakeProber{aliveFn: func(probe.Target) bool { return true }}
	mon.Prober = prober

	if _, err := mgr.Allocate("r1", &ledger.Credentials{Username: "u", Secret: "s"}); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	mon.Start()

	deadline := time.Now().Add(2 * time.Second)
	for prober.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if prober.callCount() == 0 {
		t.Fatal("probe loop never ran")
	}

	if !mon.Drain(time.Second) {
		t.Fatal("drain timed out")
	}

	settled := prober.callCount()
	time.Sleep(20 * time.Millisecond)
	if prober.callCount() != settled {
		t.Fatal("probe loop kept running after drain")
	}
}

func TestMonitor_DrainWithoutStart(t *testing.T) {
	mon := &Monitor{}
	if !mon.Drain(time.Millisecond) {
		t.Fatal("drain on unstarted monitor should return immediately")
	}
}

func TestRunLoop_SlowSweepSkipsMissedTicks(t *testing.T) {
	mon := &Monitor{stopCh: make(chan struct{})}

	var mu sync.Mutex
	var starts []time.Time
	sweep := func(context.Context) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(40 * time.Millisecond)
	}

	mon.wg.Add(1)
	go mon.runLoop(10*time.Millisecond, sweep)
	time.Sleep(150 * time.Millisecond)
	close(mon.stopCh)
	mon.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) < 2 {
		t.Fatalf("sweeps=%d, want at least 2", len(starts))
	}
	// A sweep outlasting its interval must wait for a fresh tick, never
	// consume one that fired mid-sweep.
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 45*time.Millisecond {
			t.Fatalf("sweep %d started %v after sweep %d; missed ticks must be dropped", i, gap, i-1)
		}
	}
}
