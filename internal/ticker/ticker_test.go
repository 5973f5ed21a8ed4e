package ticker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	sweeps atomic.Int64
}

func (s *countingSweeper) Sweep(ctx context.Context, now time.Time) {
	s.sweeps.Add(1)
}

func TestTickerSweeps(t *testing.T) {
	sweeper := &countingSweeper{}
	tk := New(5*time.Millisecond, sweeper)
	tk.Start(context.Background())

	deadline := time.After(time.Second)
	for sweeper.sweeps.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("saw %d sweeps within a second, want at least 2", sweeper.sweeps.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	tk.Stop()

	after := sweeper.sweeps.Load()
	time.Sleep(20 * time.Millisecond)
	if got := sweeper.sweeps.Load(); got != after {
		t.Errorf("sweeps continued after Stop: %d -> %d", after, got)
	}
}

func TestTickerStopsOnContextCancel(t *testing.T) {
	sweeper := &countingSweeper{}
	tk := New(5*time.Millisecond, sweeper)
	ctx, cancel := context.WithCancel(context.Background())
	tk.Start(ctx)
	cancel()

	time.Sleep(20 * time.Millisecond)
	after := sweeper.sweeps.Load()
	time.Sleep(20 * time.Millisecond)
	if got := sweeper.sweeps.Load(); got != after {
		t.Errorf("sweeps continued after context cancel: %d -> %d", after, got)
	}
}

func TestStopIdempotent(t *testing.T) {
	tk := New(time.Millisecond, &countingSweeper{})
	tk.Start(context.Background())
	tk.Stop()
	tk.Stop()
}
