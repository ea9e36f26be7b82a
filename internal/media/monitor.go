package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is the cadence of the cheap toggle-consistency
	// status recompute.
	DefaultPollInterval = 2 * time.Second

	// DefaultReconcileInterval is the cadence of the heavier pass that
	// re-acquires devices when either media kind is not ready.
	DefaultReconcileInterval = 5 * time.Second
)

// MonitorConfig controls the watchdog cadences. Zero values pick defaults.
type MonitorConfig struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration

	// Wanted reports whether the devices should currently be held. While it
	// returns false the reconcile pass stays idle, so a deliberately released
	// stream is not re-acquired behind the caller's back. Nil means always.
	Wanted func() bool
}

func (c *MonitorConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
}

// Monitor is the stream health watchdog. Track event callbacks already give
// immediate reaction to device loss; the monitor's two periodic passes bound
// the staleness when an event is missed: a short poll that only recomputes
// status, and a longer reconciliation pass that re-acquires devices whenever
// either kind is not ready.
type Monitor struct {
	ctrl *Controller
	cfg  MonitorConfig
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor returns a Monitor over the given controller.
func NewMonitor(ctrl *Controller, cfg MonitorConfig, log *slog.Logger) *Monitor {
	cfg.setDefaults()
	return &Monitor{ctrl: ctrl, cfg: cfg, log: log}
}

// Start launches the watchdog. Canceling ctx or calling Stop shuts it down.
// Returns an error if the monitor is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop shuts the watchdog down and waits for the run loop to exit.
// Idempotent: safe to call when the monitor never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.ctrl.CheckStatus()
		case <-reconcile.C:
			m.reconcile(ctx)
		}
	}
}

// reconcile re-acquires devices when either media kind has no live track.
// CheckStatus already recovers from ended tracks; this pass additionally
// covers the no-stream and never-granted cases.
func (m *Monitor) reconcile(ctx context.Context) {
	if m.cfg.Wanted != nil && !m.cfg.Wanted() {
		return
	}
	st := m.ctrl.Status()
	if st.Ready() {
		return
	}
	m.log.Info("devices not ready, reconciling",
		"video_ready", st.VideoReady,
		"audio_ready", st.AudioReady,
	)
	if err := m.ctrl.Acquire(ctx); err != nil {
		m.log.Warn("reconcile acquisition failed", "error", err)
	}
	// The devices may have been released while the acquisition was pending.
	// A stream installed by that race is let go again here.
	if m.cfg.Wanted != nil && !m.cfg.Wanted() {
		m.ctrl.Release()
	}
}
