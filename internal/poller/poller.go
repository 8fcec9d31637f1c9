// Package poller drives the fixed-interval refresh cycle and holds the
// last good snapshot. It owns the timer so the coordinator stays a pure
// request/response component.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowoak/moonbridge/internal/coordinator"
)

// Refresher produces one fresh snapshot per invocation. Satisfied by
// coordinator.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (*coordinator.Snapshot, error)
}

// SnapshotSink receives each successful snapshot. Sinks run on the
// polling goroutine and should return quickly; the MQTT publisher is
// the primary implementation.
type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, snap *coordinator.Snapshot)
}

// Config configures a Poller.
type Config struct {
	// Refresher executes the refresh cycle.
	Refresher Refresher

	// Interval is the tick spacing (default 30s).
	Interval time.Duration

	// Sinks receive successful snapshots in order.
	Sinks []SnapshotSink

	// Logger for structured logging.
	Logger *slog.Logger
}

// Poller runs refresh cycles on a fixed schedule: one eager refresh at
// start, then one per tick. Failures keep the previous snapshot
// visible and the next tick proceeds normally — there is no backoff
// beyond the fixed interval.
type Poller struct {
	cfg Config

	mu          sync.Mutex
	snapshot    *coordinator.Snapshot
	lastErr     error
	lastRefresh time.Time
	lastSuccess bool
	refreshes   uint64
}

// New creates a poller. It does not start polling; call Start.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{cfg: cfg}
}

// Start runs the polling loop until ctx is cancelled. It blocks. The
// loop is the only goroutine that invokes the Refresher, so at most one
// refresh is in flight at a time.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Refresh immediately on start.
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	snap, err := p.cfg.Refresher.Refresh(ctx)

	p.mu.Lock()
	p.lastRefresh = time.Now()
	p.lastErr = err
	p.lastSuccess = err == nil
	p.refreshes++
	if err == nil {
		p.snapshot = snap
	}
	p.mu.Unlock()

	if err != nil {
		p.cfg.Logger.Warn("refresh failed, keeping last snapshot", "error", err)
		return
	}

	p.cfg.Logger.Debug("refresh complete",
		"objects", len(snap.Status),
		"printer_state", snap.Info.State,
	)

	for _, sink := range p.cfg.Sinks {
		sink.PublishSnapshot(ctx, snap)
	}
}

// Snapshot returns the last good snapshot, or nil before the first
// successful refresh. During outages this is the stale last-good data
// the entity layer keeps serving.
func (p *Poller) Snapshot() *coordinator.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// LastUpdateSuccessful reports whether the most recent refresh
// succeeded.
func (p *Poller) LastUpdateSuccessful() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}

// LastRefresh returns when the most recent refresh attempt finished.
func (p *Poller) LastRefresh() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRefresh
}

// LastError returns the most recent refresh error, or nil.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Refreshes returns the total number of refresh attempts.
func (p *Poller) Refreshes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}
