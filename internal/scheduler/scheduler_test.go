package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduler_RunsInitialAndPeriodic(t *testing.T) {
	var runs atomic.Int64
	s := New(time.Second)
	s.Add(Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(55 * time.Millisecond)
	cancel()
	s.Stop()

	if runs.Load() < 3 {
		t.Errorf("expected at least 3 runs, got %d", runs.Load())
	}
}

func TestScheduler_PanicAndErrorDoNotStopLoop(t *testing.T) {
	var runs atomic.Int64
	s := New(time.Second)
	s.Add(Job{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			n := runs.Add(1)
			if n == 1 {
				panic("boom")
			}
			return errors.New("upstream unavailable")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(40 * time.Millisecond)
	cancel()
	s.Stop()

	if runs.Load() < 2 {
		t.Errorf("expected job to keep running after panic, got %d runs", runs.Load())
	}
}

func TestScheduler_NoSelfOverlap(t *testing.T) {
	var active, maxActive atomic.Int64
	s := New(time.Second)
	s.Add(Job{
		Name:     "slow",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Stop()

	if maxActive.Load() != 1 {
		t.Errorf("expected at most 1 concurrent run, got %d", maxActive.Load())
	}
}

func TestScheduler_RunOnceTimeout(t *testing.T) {
	s := New(10 * time.Millisecond)

	err := s.RunOnce(context.Background(), Job{
		Name: "stuck",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestScheduler_RunOnceRecoversPanic(t *testing.T) {
	s := New(0)

	err := s.RunOnce(context.Background(), Job{
		Name: "panics",
		Run:  func(ctx context.Context) error { panic("bad input") },
	})

	if err == nil {
		t.Fatal("expected panic converted to error")
	}
}

func TestScheduler_RunAllJoinsEveryFailure(t *testing.T) {
	errFeeds := errors.New("feeds down")
	errSweep := errors.New("sweep failed")
	var okRuns atomic.Int64
	s := New(time.Second)

	err := s.RunAll(context.Background(),
		Job{Name: "feeds", Run: func(ctx context.Context) error { return errFeeds }},
		Job{Name: "ok", Run: func(ctx context.Context) error { okRuns.Add(1); return nil }},
		Job{Name: "sweep", Run: func(ctx context.Context) error { return errSweep }},
	)

	if !errors.Is(err, errFeeds) || !errors.Is(err, errSweep) {
		t.Errorf("expected both failures in joined error, got %v", err)
	}
	if okRuns.Load() != 1 {
		t.Errorf("expected healthy job to run once, got %d", okRuns.Load())
	}
}

func TestScheduler_RunAllWaitsForSlowJobs(t *testing.T) {
	var done atomic.Bool
	s := New(time.Second)

	err := s.RunAll(context.Background(),
		Job{Name: "fails-fast", Run: func(ctx context.Context) error { return errors.New("boom") }},
		Job{Name: "slow", Run: func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			done.Store(true)
			return nil
		}},
	)

	if err == nil {
		t.Fatal("expected error from failing job")
	}
	if !done.Load() {
		t.Error("expected RunAll to wait for the slow job")
	}
}

func TestScheduler_RunAllEmpty(t *testing.T) {
	if err := New(0).RunAll(context.Background()); err != nil {
		t.Errorf("expected nil for no jobs, got %v", err)
	}
}
