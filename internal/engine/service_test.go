package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "schedcore/pkg/logx"
)

func testConfig() Config {
	return Config{
		TickInterval:  50 * time.Millisecond,
		Timezone:      "UTC",
		HistorySize:   64,
		MaxConcurrent: 0,
	}
}

func TestLifecycleSingleShot(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	if st := s.State(); st != LifecycleNotStarted {
		t.Fatalf("initial state = %v, want not-started", st)
	}
	// Stop before Start is a no-op that reports the state.
	if st := s.Stop(time.Second); st != LifecycleNotStarted {
		t.Fatalf("Stop before Start = %v, want not-started", st)
	}
	if s.History() != nil {
		t.Fatal("History before Start should be nil")
	}
	if s.Stopping() != nil {
		t.Fatal("Stopping before Start should be nil")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if st := s.Stop(time.Second); st != LifecycleStopped {
		t.Fatalf("Stop = %v, want stopped", st)
	}
	if st := s.Stop(time.Second); st != LifecycleStopped {
		t.Fatalf("repeated Stop = %v, want stopped", st)
	}
	// The lifecycle does not restart.
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestLoopFiresDueTask(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	ran := make(chan struct{}, 8)
	id, err := s.AddTaskNamed("heartbeat", func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, "* * * * * *", OverlapSkip)
	if err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop(time.Second)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("task never ran")
	}

	waitFor(t, 2*time.Second, "success in status", func() bool {
		st, err := s.Status(id)
		return err == nil && st.LastStatus == StatusSuccess
	})
	st, err := s.Status(id)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if st.LastRunAt.IsZero() {
		t.Fatal("LastRunAt not set after a run")
	}
	if !st.NextRunAt.After(st.LastRunAt) {
		t.Fatalf("NextRunAt %v not ahead of LastRunAt %v", st.NextRunAt, st.LastRunAt)
	}
	if h := s.History(); countByStatus(h, StatusSuccess) == 0 {
		t.Fatalf("history has no successful run: %v", h)
	}
}

func TestAddTaskWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop(time.Second)

	ran := make(chan struct{}, 1)
	if _, err := s.AddTask(func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, "* * * * * *", OverlapSkip); err != nil {
		t.Fatalf("AddTask error: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("task added after Start never ran")
	}
}

func TestStopCancelsActionContext(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	started := make(chan struct{}, 1)
	if _, err := s.AddTaskNamed("long", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil
	}, "* * * * * *", OverlapSkip); err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	// Stop cancels the action's context, so the drain finishes well inside
	// the timeout.
	begun := time.Now()
	if st := s.Stop(5 * time.Second); st != LifecycleStopped {
		t.Fatalf("Stop = %v, want stopped", st)
	}
	if waited := time.Since(begun); waited > 3*time.Second {
		t.Fatalf("drain took %v; context cancellation did not reach the action", waited)
	}
	if countByStatus(s.History(), StatusSuccess) == 0 {
		t.Fatal("drained run missing from history")
	}
}

func TestStopWithoutDrainAbandonsButStillRecords(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	if _, err := s.AddTaskNamed("straggler", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, "* * * * * *", OverlapSkip); err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	// No drain window: the in-flight run is abandoned, Stop returns at once.
	if st := s.Stop(0); st != LifecycleStopped {
		t.Fatalf("Stop = %v, want stopped", st)
	}
	if countByStatus(s.History(), StatusSuccess) != 0 {
		t.Fatal("abandoned run should not be complete yet")
	}

	// The straggler's outcome is still recorded once it finishes.
	close(release)
	waitFor(t, 2*time.Second, "abandoned run to be recorded", func() bool {
		return countByStatus(s.History(), StatusSuccess) == 1
	})
}

func TestStoppingChannelClosesOnStop(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	stopping := s.Stopping()
	select {
	case <-stopping:
		t.Fatal("Stopping closed before Stop")
	default:
	}
	s.Stop(time.Second)
	select {
	case <-stopping:
	case <-time.After(time.Second):
		t.Fatal("Stopping not closed after Stop")
	}
}

func TestNoFiresAfterStop(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	ran := make(chan struct{}, 16)
	if _, err := s.AddTask(func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}, "* * * * * *", OverlapParallel); err != nil {
		t.Fatalf("AddTask error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("task never ran")
	}
	s.Stop(time.Second)

	// Drain the signal buffer, then verify silence.
	for {
		select {
		case <-ran:
			continue
		default:
		}
		break
	}
	select {
	case <-ran:
		t.Fatal("task fired after Stop")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestRemoveRunningTaskDeferred(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	id, err := s.AddTaskNamed("victim", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, "* * * * * *", OverlapSkip)
	if err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop(time.Second)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	if err := s.RemoveTask(id); err != nil {
		t.Fatalf("RemoveTask error: %v", err)
	}
	// Already invisible, even while its last execution finishes.
	if _, err := s.Status(id); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Status after RemoveTask = %v, want ErrUnknownTask", err)
	}
	close(release)

	waitFor(t, 2*time.Second, "final execution to be recorded", func() bool {
		return countByStatus(s.History(), StatusSuccess) == 1
	})
}

func TestFailingTaskDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	if _, err := s.AddTaskNamed("broken", func(ctx context.Context) error {
		return errors.New("always fails")
	}, "* * * * * *", OverlapSkip); err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}
	var healthyRuns atomic.Int32
	if _, err := s.AddTaskNamed("healthy", func(ctx context.Context) error {
		healthyRuns.Add(1)
		return nil
	}, "* * * * * *", OverlapSkip); err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop(time.Second)

	// The broken task must have failed at least once, and the healthy one
	// must keep being dispatched afterwards.
	waitFor(t, 5*time.Second, "a recorded failure", func() bool {
		return countByStatus(s.History(), StatusFailure) >= 1
	})
	before := healthyRuns.Load()
	waitFor(t, 5*time.Second, "healthy task to run again", func() bool {
		return healthyRuns.Load() > before
	})
}

func TestDisableRunningTask(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	id, err := s.AddTaskNamed("paused", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, "* * * * * *", OverlapSkip)
	if err != nil {
		t.Fatalf("AddTaskNamed error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop(time.Second)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	if err := s.DisableTask(id); err != nil {
		t.Fatalf("DisableTask error: %v", err)
	}
	// The current execution is left to finish.
	close(release)
	waitFor(t, 2*time.Second, "in-flight run to complete", func() bool {
		return countByStatus(s.History(), StatusSuccess) == 1
	})

	// No further dispatch while disabled.
	time.Sleep(1500 * time.Millisecond)
	if got := countByStatus(s.History(), StatusSuccess); got != 1 {
		t.Fatalf("disabled task ran again: %d successes", got)
	}
	st, err := s.Status(id)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if st.State != StateDisabled {
		t.Fatalf("State = %v, want disabled", st.State)
	}

	if err := s.EnableTask(id); err != nil {
		t.Fatalf("EnableTask error: %v", err)
	}
	waitFor(t, 5*time.Second, "dispatch to resume after enable", func() bool {
		return countByStatus(s.History(), StatusSuccess) >= 2
	})
}

func TestInvalidTimezoneFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Timezone = "Not/AZone"
	s := New(cfg, logx.Nop(), nil)
	if s.loc == nil {
		t.Fatal("location not set on bad timezone")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start with fallback timezone error: %v", err)
	}
	s.Stop(time.Second)
}
