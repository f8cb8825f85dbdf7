/*
janitor.go - Periodic cache tracking maintenance

PURPOSE:
  The cache keeps a transaction -> affected-accounts index so that edits
  and removals can invalidate exactly the accounts a transaction touched.
  Old entries serve no one once their transactions stop being edited;
  this janitor sweeps them on a timer so the index cannot grow without
  bound.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Prunes tracking entries older than MaxAge on each pass
  - Cached balances are never age-evicted; only tracking entries are

CONFIGURATION:
  - MaxAge:        How old an entry must be before it is dropped (default: 1 hour)
  - SweepInterval: How often to sweep (default: 10 minutes)
  - Enabled:       Whether the janitor is active (default: true)

USAGE:
  janitor := NewTrackingJanitor(coordinator, log)
  janitor.Start()
  // ... later
  janitor.Stop()

SEE ALSO:
  - cmd/server/main.go: wires the janitor from configuration
*/
package api

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finmgr/balance-engine/balance"
)

// TrackingJanitor prunes stale transaction tracking entries on a timer.
type TrackingJanitor struct {
	Coordinator   *balance.Coordinator
	MaxAge        time.Duration
	SweepInterval time.Duration
	Enabled       bool

	log     *zap.Logger
	mu      sync.Mutex
	running bool
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewTrackingJanitor creates a new janitor with default timings.
func NewTrackingJanitor(coordinator *balance.Coordinator, log *zap.Logger) *TrackingJanitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &TrackingJanitor{
		Coordinator:   coordinator,
		MaxAge:        1 * time.Hour,
		SweepInterval: 10 * time.Minute,
		Enabled:       true,
		log:           log,
	}
}

// Start begins the sweep loop. Start on a running janitor is a no-op;
// Start after Stop begins a fresh loop.
func (tj *TrackingJanitor) Start() {
	tj.mu.Lock()
	defer tj.mu.Unlock()

	if !tj.Enabled {
		tj.log.Info("tracking janitor disabled, not starting")
		return
	}
	if tj.running {
		return
	}

	tj.running = true
	tj.ticker = time.NewTicker(tj.SweepInterval)
	tj.stop = make(chan struct{})
	tj.wg.Add(1)

	go tj.run(tj.ticker, tj.stop)

	tj.log.Info("tracking janitor started",
		zap.Duration("sweep_interval", tj.SweepInterval),
		zap.Duration("max_age", tj.MaxAge))
}

// Stop stops the sweep loop and waits for an in-flight pass to finish.
// Safe to call twice, and before Start.
func (tj *TrackingJanitor) Stop() {
	tj.mu.Lock()
	defer tj.mu.Unlock()

	if !tj.running {
		return
	}
	tj.running = false
	tj.ticker.Stop()
	close(tj.stop)

	// The loop never takes tj.mu, so waiting under it is safe and keeps a
	// concurrent Start from racing the teardown.
	tj.wg.Wait()
	tj.log.Info("tracking janitor stopped")
}

// run takes its ticker and stop channel as arguments: a restart replaces
// the fields, and the old loop must keep watching the ones it started with.
func (tj *TrackingJanitor) run(ticker *time.Ticker, stop chan struct{}) {
	defer tj.wg.Done()

	// Run immediately on start
	tj.sweep()

	for {
		select {
		case <-ticker.C:
			tj.sweep()
		case <-stop:
			return
		}
	}
}

func (tj *TrackingJanitor) sweep() {
	pruned := tj.Coordinator.PruneTracking(tj.MaxAge)
	if pruned > 0 {
		tj.log.Debug("pruned stale tracking entries", zap.Int("pruned", pruned))
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (tj *TrackingJanitor) RunNow() {
	tj.sweep()
}
