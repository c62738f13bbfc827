package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 8, 28, 12, 3, 17, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2026, 8, 28, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}

	// Exactly on a boundary schedules the following bucket.
	now = time.Date(2026, 8, 28, 12, 5, 0, 0, time.UTC)
	next = s.nextTick(now)
	want = time.Date(2026, 8, 28, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: false}, zerolog.Nop())

	now := time.Date(2026, 8, 28, 12, 3, 17, 0, time.UTC)
	next := s.nextTick(now)
	if !next.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("next = %s", next)
	}
}

func TestBucketStartTruncates(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	ts := time.Date(2026, 8, 28, 12, 3, 0, 500, time.UTC)
	if got := s.bucketStart(ts); !got.Equal(time.Date(2026, 8, 28, 12, 3, 0, 0, time.UTC)) {
		t.Fatalf("bucket = %s", got)
	}
}

func TestRunInvokesTickAndStops(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	var ticks atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			if ticks.Add(1) >= 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop in time")
	}

	if ticks.Load() < 2 {
		t.Fatalf("ticks = %d, want at least 2", ticks.Load())
	}
}
