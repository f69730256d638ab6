// Package health runs the background sweeps that keep the pool honest:
// reclaiming leases whose agents stopped heartbeating, and probing live
// endpoints over SSH. Probe failures are reported, never acted on.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelward/portlease/internal/ledger"
	"github.com/tunnelward/portlease/internal/portmgr"
	"github.com/tunnelward/portlease/internal/probe"
)

type ReclaimReport struct {
	Checked   int
	Reclaimed int
	Errors    int
}

type ProbeReport struct {
	Probed  int
	Alive   int
	Failed  int
	Skipped int
}

type Monitor struct {
	Manager *portmgr.Manager
	Prober  probe.Prober
	Logger  *slog.Logger

	// ProbeHost is where the forwarded ports terminate, usually the tunnel
	// server itself.
	ProbeHost string

	ReclaimInterval time.Duration
	ProbeInterval   time.Duration

	// ObserveReclaim and ObserveProbe feed the metrics collector; both are
	// optional.
	ObserveReclaim func(ReclaimReport)
	ObserveProbe   func(ProbeReport)

	staleThreshold atomic.Int64 // nanoseconds, mutable under live reload
	nowFn          func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// SetStaleThreshold replaces the heartbeat-age cutoff. Safe to call while the
// monitor is running; the next sweep picks it up.
func (m *Monitor) SetStaleThreshold(d time.Duration) {
	m.staleThreshold.Store(int64(d))
}

func (m *Monitor) StaleThreshold() time.Duration {
	return time.Duration(m.staleThreshold.Load())
}

// Start spawns the reclamation and probe loops. Call Drain to stop them.
// A loop whose interval is zero or negative stays off.
func (m *Monitor) Start() {
	if m.Manager == nil {
		return
	}
	if m.Logger == nil {
		m.Logger = slog.Default()
	}

	m.stopCh = make(chan struct{})

	if m.ReclaimInterval > 0 {
		m.wg.Add(1)
		go m.runLoop(m.ReclaimInterval, func(ctx context.Context) { m.sweepStale(ctx) })
	}
	if m.ProbeInterval > 0 && m.Prober != nil {
		m.wg.Add(1)
		go m.runLoop(m.ProbeInterval, func(ctx context.Context) { m.sweepProbes(ctx) })
	}
}

// Drain signals the loops to stop and waits for any in-flight sweep to
// finish. Returns false if the timeout expired first.
func (m *Monitor) Drain(timeout time.Duration) bool {
	if m.stopCh == nil {
		return true
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *Monitor) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

func (m *Monitor) runLoop(interval time.Duration, sweep func(context.Context)) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			sweep(ctx)
			// A tick that fired while the sweep ran is stale; drop it so a
			// slow sweep delays the next cycle instead of running twice.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// sweepStale releases every active lease whose last heartbeat is older than
// the stale threshold. Release is owner-checked, so a heartbeat racing the
// sweep at worst leaves the lease for the next cycle.
func (m *Monitor) sweepStale(ctx context.Context) ReclaimReport {
	threshold := m.StaleThreshold()
	if threshold <= 0 {
		return ReclaimReport{}
	}

	cutoff := m.now().Add(-threshold)
	stale, err := m.Manager.ListStale(cutoff)
	if err != nil {
		m.Logger.Error("reclaim_sweep_failed", slog.String("error", err.Error()))
		return ReclaimReport{Errors: 1}
	}

	report := ReclaimReport{Checked: len(stale)}
	for _, lease := range stale {
		if ctx.Err() != nil {
			break
		}
		released, err := m.Manager.Release(lease.Port, lease.RouterID)
		if err != nil {
			report.Errors++
			m.Logger.Error("reclaim_release_failed",
				slog.Int("port", lease.Port),
				slog.String("router_id", lease.RouterID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if released {
			report.Reclaimed++
			m.Logger.Warn("stale_lease_reclaimed",
				slog.Int("port", lease.Port),
				slog.String("router_id", lease.RouterID),
				slog.Time("last_heartbeat", lease.LastHeartbeat),
			)
		}
	}

	if report.Checked > 0 || report.Errors > 0 {
		m.Logger.Info("reclaim_sweep_done",
			slog.Int("checked", report.Checked),
			slog.Int("reclaimed", report.Reclaimed),
			slog.Int("errors", report.Errors),
		)
	}
	if m.ObserveReclaim != nil {
		m.ObserveReclaim(report)
	}
	return report
}

// sweepProbes runs a liveness probe against every active lease that carries
// credentials. Results only reach logs and metrics; a dead endpoint keeps its
// lease until heartbeats lapse.
func (m *Monitor) sweepProbes(ctx context.Context) ProbeReport {
	active, err := m.Manager.ListActive()
	if err != nil {
		m.Logger.Error("probe_sweep_failed", slog.String("error", err.Error()))
		return ProbeReport{}
	}

	var report ProbeReport
	for _, lease := range active {
		if ctx.Err() != nil {
			break
		}
		if lease.Credentials == nil {
			report.Skipped++
			continue
		}
		report.Probed++

		res := m.Prober.Probe(ctx, probe.Target{
			Host:     m.ProbeHost,
			Port:     lease.Port,
			Username: lease.Credentials.Username,
			Secret:   lease.Credentials.Secret,
		})
		if res.Alive {
			report.Alive++
			m.Logger.Debug("endpoint_alive",
				slog.Int("port", lease.Port),
				slog.String("router_id", lease.RouterID),
				slog.Duration("took", res.Duration),
			)
			continue
		}
		report.Failed++
		m.logProbeFailure(lease, res)
	}

	if report.Probed > 0 || report.Skipped > 0 {
		m.Logger.Info("probe_sweep_done",
			slog.Int("probed", report.Probed),
			slog.Int("alive", report.Alive),
			slog.Int("failed", report.Failed),
			slog.Int("skipped", report.Skipped),
		)
	}
	if m.ObserveProbe != nil {
		m.ObserveProbe(report)
	}
	return report
}

func (m *Monitor) logProbeFailure(lease ledger.Allocation, res probe.Result) {
	attrs := []any{
		slog.Int("port", lease.Port),
		slog.String("router_id", lease.RouterID),
		slog.Duration("took", res.Duration),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
	}
	m.Logger.Warn("endpoint_probe_failed", attrs...)
}
