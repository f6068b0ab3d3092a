package checkpoint

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/corewave/agentflow/obs"
)

// DefaultTTL is the checkpoint retention window of spec.md §4.6.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultCleanupInterval is how often the background task sweeps expired
// checkpoints when no explicit interval is given.
const DefaultCleanupInterval = time.Hour

// Cleaner runs Storage.DeleteExpired on an interval until Stop is called.
// Stop is safe to call more than once and safe to call before Start's
// goroutine has done any work.
type Cleaner struct {
	storage  Storage
	interval time.Duration
	logger   obs.Logger
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// NewCleaner builds a Cleaner for storage. interval <= 0 uses
// DefaultCleanupInterval. A nil logger is replaced with obs.NopLogger.
func NewCleaner(storage Storage, interval time.Duration, logger obs.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &Cleaner{
		storage:  storage,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop. Calling Start twice on the
// same Cleaner is not supported; build a new Cleaner instead.
func (c *Cleaner) Start(ctx context.Context) {
	c.started.Store(true)
	go c.run(ctx)
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			n, err := c.storage.DeleteExpired(ctx, time.Now())
			if err != nil {
				c.logger.Warn(ctx, "checkpoint cleanup sweep failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Info(ctx, "checkpoint cleanup swept expired rows", "count", n)
			}
		}
	}
}

// Stop ends the sweep loop and blocks until the loop goroutine exits.
// Idempotent: a second call is a no-op rather than a panic on closing a
// closed channel.
func (c *Cleaner) Stop() {
	select {
	case <-c.stop:
		// already stopped
	default:
		close(c.stop)
	}
	if c.started.Load() {
		<-c.done
	}
}
