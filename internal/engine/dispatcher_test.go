package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "schedcore/pkg/logx"
)

func newTestDispatcher(t *testing.T, reg *registry, maxConcurrent int) *dispatcher {
	t.Helper()
	cfg := Config{MaxConcurrent: maxConcurrent}.withDefaults()
	stopCh := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
	})
	return newDispatcher(reg, cfg, context.Background(), stopCh, logx.Nop(), nil)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countByStatus(h []Execution, st RunStatus) int {
	n := 0
	for _, ex := range h {
		if ex.Status == st {
			n++
		}
	}
	return n
}

func TestDispatchSkipOverlap(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	id, err := reg.register("blocker", "* * * * *", OverlapSkip, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 0)

	now := time.Now()
	d.submit(id, now)
	<-started

	// Second occurrence while the first is in flight: skipped, never blocks.
	d.submit(id, now.Add(time.Minute))
	if got := countByStatus(d.historySnapshot(), StatusSkipped); got != 1 {
		t.Fatalf("skipped executions = %d, want 1", got)
	}
	st, _ := reg.status(id)
	if st.LastStatus != StatusSkipped {
		t.Fatalf("LastStatus = %v, want skipped", st.LastStatus)
	}

	close(release)
	waitFor(t, 2*time.Second, "task to go idle", func() bool {
		st, _ := reg.status(id)
		return st.State == StateIdle
	})
	st, _ = reg.status(id)
	if st.LastStatus != StatusSuccess {
		t.Fatalf("LastStatus after completion = %v, want success", st.LastStatus)
	}
	if got := countByStatus(d.historySnapshot(), StatusSuccess); got != 1 {
		t.Fatalf("successful executions = %d, want 1", got)
	}
}

func TestDispatchQueueRunsSuccessorAndSkipsThird(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	release := make(chan struct{})
	var runs atomic.Int32
	id, err := reg.register("queued", "* * * * *", OverlapQueue, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 0)

	now := time.Now()
	d.submit(id, now)
	waitFor(t, 2*time.Second, "first run to start", func() bool { return runs.Load() == 1 })

	// One running, one queued, the third is skipped.
	d.submit(id, now.Add(time.Minute))
	d.submit(id, now.Add(2*time.Minute))
	if got := countByStatus(d.historySnapshot(), StatusSkipped); got != 1 {
		t.Fatalf("skipped executions = %d, want 1", got)
	}

	// Finishing the first run starts the queued successor immediately.
	release <- struct{}{}
	waitFor(t, 2*time.Second, "queued successor to start", func() bool { return runs.Load() == 2 })
	release <- struct{}{}

	waitFor(t, 2*time.Second, "all runs to finish", func() bool {
		return countByStatus(d.historySnapshot(), StatusSuccess) == 2
	})
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestDispatchParallelOverlaps(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	id, err := reg.register("par", "* * * * *", OverlapParallel, func(ctx context.Context) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 0)

	now := time.Now()
	d.submit(id, now)
	d.submit(id, now.Add(time.Minute))
	waitFor(t, 2*time.Second, "two concurrent runs", func() bool { return inFlight.Load() == 2 })

	close(release)
	waitFor(t, 2*time.Second, "both runs to finish", func() bool {
		return countByStatus(d.historySnapshot(), StatusSuccess) == 2
	})

	if peak.Load() < 2 {
		t.Fatalf("peak concurrency = %d, want >= 2", peak.Load())
	}
	// Overlapping [started, ended] intervals for the same task id.
	h := d.historySnapshot()
	if len(h) != 2 {
		t.Fatalf("history = %d entries, want 2", len(h))
	}
	a, b := h[0], h[1]
	if a.StartedAt.After(b.EndedAt) || b.StartedAt.After(a.EndedAt) {
		t.Fatalf("executions did not overlap: %+v vs %+v", a, b)
	}
}

func TestCeilingSkipNeverBlocks(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	release := make(chan struct{})
	hogID, err := reg.register("hog", "* * * * *", OverlapParallel, func(ctx context.Context) error {
		<-release
		return nil
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	skipID, err := reg.register("polite", "* * * * *", OverlapSkip, noopAction, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 1)

	now := time.Now()
	d.submit(hogID, now)
	waitFor(t, 2*time.Second, "ceiling to fill", func() bool {
		st, _ := reg.status(hogID)
		return st.State == StateRunning
	})

	// Ceiling full: the Skip-policy task is recorded Skipped, and submit
	// returns without blocking (this call would hang otherwise).
	done := make(chan struct{})
	go func() {
		d.submit(skipID, now)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Skip-policy submit blocked on full ceiling")
	}
	if got := countByStatus(d.historySnapshot(), StatusSkipped); got != 1 {
		t.Fatalf("skipped executions = %d, want 1", got)
	}
	st, _ := reg.status(skipID)
	if st.State != StateIdle {
		t.Fatalf("skip task state = %v, want idle (claim rolled back)", st.State)
	}

	close(release)
}

func TestCeilingBlocksParallelUntilSlotFrees(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	release := make(chan struct{})
	var runs atomic.Int32
	aID, err := reg.register("a", "* * * * *", OverlapParallel, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	bID, err := reg.register("b", "* * * * *", OverlapParallel, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 1)

	now := time.Now()
	d.submit(aID, now)
	waitFor(t, 2*time.Second, "first run to start", func() bool { return runs.Load() == 1 })

	submitted := make(chan struct{})
	go func() {
		d.submit(bID, now) // blocks until a slot frees
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit returned while ceiling was full")
	case <-time.After(100 * time.Millisecond):
	}

	release <- struct{}{}
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not unblock after slot freed")
	}
	waitFor(t, 2*time.Second, "second task to run", func() bool { return runs.Load() == 2 })
}

func TestPanicRecordedAsFailure(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	id, err := reg.register("bomb", "* * * * *", OverlapSkip, func(ctx context.Context) error {
		panic("kaboom")
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 0)

	d.submit(id, time.Now())
	waitFor(t, 2*time.Second, "failure to be recorded", func() bool {
		return countByStatus(d.historySnapshot(), StatusFailure) == 1
	})

	h := d.historySnapshot()
	if !strings.Contains(h[0].Error, "kaboom") {
		t.Fatalf("failure error = %q, want panic detail", h[0].Error)
	}
	st, _ := reg.status(id)
	if st.State != StateIdle {
		t.Fatalf("state after panic = %v, want idle", st.State)
	}
	if st.LastStatus != StatusFailure {
		t.Fatalf("LastStatus = %v, want failure", st.LastStatus)
	}
}

func TestFailureErrorCaptured(t *testing.T) {
	t.Parallel()
	reg := newRegistry()
	boom := errors.New("downstream unavailable")
	id, err := reg.register("fails", "* * * * *", OverlapSkip, func(ctx context.Context) error {
		return boom
	}, time.Now())
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	d := newTestDispatcher(t, reg, 0)

	d.submit(id, time.Now())
	waitFor(t, 2*time.Second, "failure to be recorded", func() bool {
		return countByStatus(d.historySnapshot(), StatusFailure) == 1
	})
	h := d.historySnapshot()
	if h[0].Error != boom.Error() {
		t.Fatalf("Error = %q, want %q", h[0].Error, boom.Error())
	}
}
