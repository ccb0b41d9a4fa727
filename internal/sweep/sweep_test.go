package sweep

import (
	"context"
	"testing"
	"time"

	"vaultkeep.org/internal/clock"
)

func TestPassRunsEveryTask(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	s := New(clk, time.Minute)

	var sawA, sawB time.Time
	s.Register("a", func(ctx context.Context, now time.Time) int {
		sawA = now
		return 2
	})
	s.Register("b", func(ctx context.Context, now time.Time) int {
		sawB = now
		return 0
	})

	if total := s.Pass(context.Background()); total != 2 {
		t.Fatalf("Pass = %d, want 2", total)
	}
	if !sawA.Equal(clk.Now()) || !sawB.Equal(clk.Now()) {
		t.Fatalf("tasks saw %v / %v, want %v", sawA, sawB, clk.Now())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(nil, time.Millisecond)
	ran := make(chan struct{}, 1)
	s.Register("tick", func(ctx context.Context, now time.Time) int {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("sweeper never ticked")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
