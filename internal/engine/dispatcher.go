package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"schedcore/internal/eventbus"
	logx "schedcore/pkg/logx"
)

// Throttle for repeated failure warnings so a task failing every tick does
// not flood the warn level. Outcomes below the throttle still log at debug.
const failWarnEvery = 5 * time.Second

// RunEvent is the eventbus payload for run lifecycle events.
type RunEvent struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// dispatcher runs claimed occurrences on their own goroutines, enforcing
// the global concurrency ceiling. Per-task overlap decisions already
// happened in registry.claim; the dispatcher only honors them.
type dispatcher struct {
	reg *registry
	log logx.Logger
	bus eventbus.Bus

	// runCtx is handed to every action; canceled when the engine stops.
	runCtx context.Context

	// permits is the global ceiling. nil = unbounded.
	permits chan struct{}
	stopCh  chan struct{}

	stopping atomic.Bool
	wg       sync.WaitGroup

	failWarn *rate.Limiter

	hmu         sync.Mutex
	history     []Execution
	historySize int
}

func newDispatcher(reg *registry, cfg Config, runCtx context.Context, stopCh chan struct{}, log logx.Logger, bus eventbus.Bus) *dispatcher {
	d := &dispatcher{
		reg:         reg,
		log:         log,
		bus:         bus,
		runCtx:      runCtx,
		stopCh:      stopCh,
		failWarn:    rate.NewLimiter(rate.Every(failWarnEvery), 1),
		historySize: cfg.HistorySize,
	}
	if cfg.MaxConcurrent > 0 {
		d.permits = make(chan struct{}, cfg.MaxConcurrent)
		for i := 0; i < cfg.MaxConcurrent; i++ {
			d.permits <- struct{}{}
		}
	}
	return d
}

// submit hands one due occurrence to the dispatcher. It returns immediately
// except when the global ceiling is full under Queue/Parallel policy, where
// it blocks until a slot frees (or the engine stops). Skip never blocks.
func (d *dispatcher) submit(id string, now time.Time) {
	dec, g := d.reg.claim(id)
	switch dec {
	case claimNone:
		return
	case claimSkip:
		d.recordSkip(g, now)
		return
	case claimQueued:
		d.log.Debug("run queued behind in-flight occurrence", logx.String("task", g.name), logx.String("id", g.id))
		return
	}

	// claimStart: a concurrency slot is needed before the action runs.
	if g.overlap == OverlapSkip {
		if !d.tryAcquire() {
			d.reg.unclaim(g.id)
			d.recordSkip(g, now)
			return
		}
	} else if !d.acquire() {
		// Shutdown won the wait; the occurrence is dropped silently.
		d.reg.unclaim(g.id)
		d.log.Debug("run dropped: engine stopping", logx.String("task", g.name), logx.String("id", g.id))
		return
	}

	d.wg.Add(1)
	go d.run(g)
}

// run executes one occurrence and then any queued successor, reusing the
// same concurrency slot so Queue policy cannot exceed the ceiling.
func (d *dispatcher) run(g runGrant) {
	defer d.wg.Done()
	for {
		started := time.Now()
		d.log.Debug("run.started", logx.String("task", g.name), logx.String("id", g.id))
		d.publish("run.started", RunEvent{TaskID: g.id, Name: g.name, StartedAt: started, Status: "running"})

		err := d.invoke(g)
		ended := time.Now()

		status := StatusSuccess
		ex := Execution{TaskID: g.id, Name: g.name, StartedAt: started, EndedAt: ended, Status: status}
		if err != nil {
			status = StatusFailure
			ex.Status = status
			ex.Error = err.Error()
		}

		succ, ok := d.reg.complete(g.id, status, ended, !d.stopping.Load())
		d.record(ex, err)

		if !ok {
			d.release()
			return
		}
		g = succ
	}
}

// invoke calls the action, converting panics into failures so one bad task
// cannot take down the loop or its own future occurrences.
func (d *dispatcher) invoke(g runGrant) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.log.Error("run.panic",
				logx.String("task", g.name),
				logx.String("id", g.id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return g.action(d.runCtx)
}

func (d *dispatcher) recordSkip(g runGrant, now time.Time) {
	d.reg.recordSkip(g.id)
	ex := Execution{TaskID: g.id, Name: g.name, StartedAt: now, EndedAt: now, Status: StatusSkipped}
	d.appendHistory(ex)
	d.publish("run.skipped", RunEvent{TaskID: g.id, Name: g.name, StartedAt: now, EndedAt: now, Status: StatusSkipped.String()})
	d.log.Debug("run.skipped", logx.String("task", g.name), logx.String("id", g.id), logx.String("overlap", g.overlap.String()))
}

func (d *dispatcher) record(ex Execution, err error) {
	d.appendHistory(ex)

	dur := ex.EndedAt.Sub(ex.StartedAt)
	if err != nil {
		d.publish("run.failed", RunEvent{TaskID: ex.TaskID, Name: ex.Name, StartedAt: ex.StartedAt, EndedAt: ex.EndedAt, Status: ex.Status.String(), Error: ex.Error})
		if d.failWarn.Allow() {
			d.log.Warn("run.failed", logx.String("task", ex.Name), logx.String("id", ex.TaskID), logx.Err(err), logx.Duration("dur", dur))
		} else {
			d.log.Debug("run.failed", logx.String("task", ex.Name), logx.String("id", ex.TaskID), logx.Err(err), logx.Duration("dur", dur))
		}
		return
	}
	d.publish("run.finished", RunEvent{TaskID: ex.TaskID, Name: ex.Name, StartedAt: ex.StartedAt, EndedAt: ex.EndedAt, Status: ex.Status.String()})
	d.log.Debug("run.completed", logx.String("task", ex.Name), logx.String("id", ex.TaskID), logx.Duration("dur", dur))
}

func (d *dispatcher) appendHistory(ex Execution) {
	d.hmu.Lock()
	d.history = append(d.history, ex)
	if d.historySize > 0 && len(d.history) > d.historySize {
		d.history = d.history[len(d.history)-d.historySize:]
	}
	d.hmu.Unlock()
}

// historySnapshot returns a copy of the execution ring, oldest first.
func (d *dispatcher) historySnapshot() []Execution {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	out := make([]Execution, len(d.history))
	copy(out, d.history)
	return out
}

func (d *dispatcher) publish(typ string, ev RunEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (d *dispatcher) tryAcquire() bool {
	if d.permits == nil {
		return true
	}
	select {
	case <-d.permits:
		return true
	default:
		return false
	}
}

func (d *dispatcher) acquire() bool {
	if d.permits == nil {
		return true
	}
	select {
	case <-d.permits:
		return true
	case <-d.stopCh:
		return false
	}
}

func (d *dispatcher) release() {
	if d.permits == nil {
		return
	}
	d.permits <- struct{}{}
}

// drain waits up to timeout for all in-flight executions to finish.
// Executions still running afterwards are abandoned: they keep their
// goroutine and their outcome is still recorded, but nobody waits on them.
func (d *dispatcher) drain(timeout time.Duration) bool {
	d.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-done:
		return true
	case <-tmr.C:
		return false
	}
}
