// Package ticker provides the interval scheduler that expires idle
// conversations.
package ticker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper is the controller-side callback: inspect every live conversation
// and fire the timeout transition on the expired ones.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time)
}

// Ticker wakes on a fixed interval and invokes the sweeper. It performs no
// I/O itself; sends happen inside the timeout transitions it triggers.
type Ticker struct {
	interval time.Duration
	target   Sweeper
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped ticker with the given sweep interval.
func New(interval time.Duration, target Sweeper) *Ticker {
	return &Ticker{
		interval: interval,
		target:   target,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; the loop runs until
// Stop is called or ctx is cancelled.
func (t *Ticker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		slog.Debug("Ticker started", "interval", t.interval)
		for {
			select {
			case now := <-ticker.C:
				t.target.Sweep(ctx, now)
			case <-ctx.Done():
				slog.Debug("Ticker context cancelled")
				return
			case <-t.stop:
				slog.Debug("Ticker stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}
