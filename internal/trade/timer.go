package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically cancels trades whose payment window elapsed while
// nobody touched them, refunding any escrow.
type Timer struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeps   atomic.Int64
}

// NewTimer creates a new trade expiry timer.
func NewTimer(manager *Manager, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Sweeps returns how many sweeps have completed.
func (t *Timer) Sweeps() int64 {
	return t.sweeps.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in trade timer", "panic", fmt.Sprint(r))
		}
	}()
	defer t.sweeps.Add(1)

	n, err := t.manager.ExpireStale(ctx)
	if err != nil {
		t.logger.Warn("trade expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("cancelled expired trades", "count", n)
	}
}
