package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"schedcore/internal/schedule"
)

// registry owns every task and all of its mutable fields. Nothing outside
// this file touches task state except through these methods, and every
// method holds mu for its whole duration, so the loop (due scans, advance)
// and the dispatcher (claims, completions) never race on state/next_run_at.
type registry struct {
	mu    sync.Mutex
	tasks map[string]*task
	seq   uint64
}

type task struct {
	id      string
	name    string
	seq     uint64 // registration order, tie-break for due ordering
	spec    schedule.Spec
	overlap OverlapPolicy
	action  Action

	state      TaskState
	nextRunAt  time.Time
	lastRunAt  time.Time
	lastStatus RunStatus

	running int  // in-flight executions (>1 only under OverlapParallel)
	queued  bool // one pending successor (OverlapQueue)
	doomed  bool // unregistered while running; removed on completion
}

// claimDecision is the overlap-policy verdict for one due occurrence.
type claimDecision int

const (
	claimNone  claimDecision = iota // task gone, doomed or disabled
	claimStart                      // begin an execution now
	claimQueued                     // retained as the single pending successor
	claimSkip                       // discarded; record a Skipped execution
)

// runGrant carries what the dispatcher needs to run an action without going
// back to the task map.
type runGrant struct {
	id      string
	name    string
	overlap OverlapPolicy
	action  Action
}

func newRegistry() *registry {
	return &registry{tasks: map[string]*task{}}
}

// register validates the expression, computes the first trigger after now
// and stores the task as Idle. It never blocks and fails atomically: a bad
// expression leaves the registry untouched.
func (r *registry) register(name, expr string, policy OverlapPolicy, action Action, now time.Time) (string, error) {
	if action == nil {
		return "", ErrNilAction
	}
	sp, err := schedule.Parse(expr)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if name == "" {
		name = "task-" + id[:8]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.tasks[id] = &task{
		id:        id,
		name:      name,
		seq:       r.seq,
		spec:      sp,
		overlap:   policy,
		action:    action,
		state:     StateIdle,
		nextRunAt: sp.Next(now),
	}
	return id, nil
}

// unregister removes the task. If it is running, removal is deferred until
// the in-flight execution completes so the task cannot disappear out from
// under the dispatcher.
func (r *registry) unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed {
		return ErrUnknownTask
	}
	if t.running > 0 {
		t.doomed = true
		t.queued = false
		return nil
	}
	delete(r.tasks, id)
	return nil
}

// enable moves a Disabled task back to Idle. The next trigger is recomputed
// from now so a stale past instant does not fire immediately on enable.
func (r *registry) enable(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed {
		return ErrUnknownTask
	}
	if t.state != StateDisabled {
		return nil
	}
	if t.running > 0 {
		t.state = StateRunning
	} else {
		t.state = StateIdle
	}
	t.nextRunAt = t.spec.Next(now)
	return nil
}

// disable excludes the task from due scans. In-flight executions finish;
// a pending queued successor is dropped.
func (r *registry) disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed {
		return ErrUnknownTask
	}
	t.state = StateDisabled
	t.queued = false
	return nil
}

// due returns ids of every enabled task whose next trigger is at or before
// now, ascending by next_run_at with ties broken by registration order. The
// snapshot is consistent: one lock hold, one instant.
func (r *registry) due(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hits []*task
	for _, t := range r.tasks {
		if t.doomed || t.state == StateDisabled {
			continue
		}
		if t.nextRunAt.IsZero() || t.nextRunAt.After(now) {
			continue
		}
		hits = append(hits, t)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].nextRunAt.Equal(hits[j].nextRunAt) {
			return hits[i].seq < hits[j].seq
		}
		return hits[i].nextRunAt.Before(hits[j].nextRunAt)
	})

	ids := make([]string, len(hits))
	for i, t := range hits {
		ids[i] = t.id
	}
	return ids
}

// advance recomputes next_run_at after a dispatch, clamped strictly into
// the future. Called by the loop at submission time, never at completion
// time, so a slow run cannot delay its own subsequent occurrences.
func (r *registry) advance(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed {
		return
	}
	t.nextRunAt = t.spec.NextFrom(t.nextRunAt, now)
}

// claim applies the overlap policy to one due occurrence.
func (r *registry) claim(id string) (claimDecision, runGrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed || t.state == StateDisabled {
		return claimNone, runGrant{}
	}
	g := runGrant{id: t.id, name: t.name, overlap: t.overlap, action: t.action}
	if t.running == 0 {
		t.running = 1
		t.state = StateRunning
		return claimStart, g
	}
	switch t.overlap {
	case OverlapParallel:
		t.running++
		return claimStart, g
	case OverlapQueue:
		if !t.queued {
			t.queued = true
			return claimQueued, g
		}
		return claimSkip, g
	default:
		return claimSkip, g
	}
}

// unclaim rolls back a claimStart that never executed (ceiling full under
// Skip policy, or shutdown won the permit wait).
func (r *registry) unclaim(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil {
		return
	}
	if t.running > 0 {
		t.running--
	}
	if t.doomed {
		if t.running == 0 {
			delete(r.tasks, id)
		}
		return
	}
	if t.running == 0 && t.state == StateRunning {
		t.state = StateIdle
	}
}

// recordSkip notes a skipped occurrence in the task diagnostics.
// last_run_at is left alone: no run happened.
func (r *registry) recordSkip(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed {
		return
	}
	t.lastStatus = StatusSkipped
}

// complete finishes one execution: diagnostics are updated, deferred
// removal applies, and -- when allowSuccessor is true -- a pending queued
// occurrence is atomically promoted to running so the caller can execute it
// (reusing its concurrency slot).
func (r *registry) complete(id string, status RunStatus, endedAt time.Time, allowSuccessor bool) (runGrant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil {
		return runGrant{}, false
	}
	if t.running > 0 {
		t.running--
	}
	t.lastRunAt = endedAt
	t.lastStatus = status

	if t.doomed {
		t.queued = false
		if t.running == 0 {
			delete(r.tasks, id)
		}
		return runGrant{}, false
	}

	if t.queued && allowSuccessor && t.state != StateDisabled {
		t.queued = false
		t.running++
		t.state = StateRunning
		return runGrant{id: t.id, name: t.name, overlap: t.overlap, action: t.action}, true
	}
	t.queued = false

	if t.running == 0 && t.state == StateRunning {
		t.state = StateIdle
	}
	return runGrant{}, false
}

func (r *registry) status(id string) (TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil || t.doomed {
		return TaskStatus{}, ErrUnknownTask
	}
	return snapshotLocked(t), nil
}

func (r *registry) statuses() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskStatus, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.doomed {
			continue
		}
		out = append(out, snapshotLocked(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func snapshotLocked(t *task) TaskStatus {
	return TaskStatus{
		ID:         t.id,
		Name:       t.name,
		Spec:       t.spec.String(),
		Overlap:    t.overlap,
		State:      t.state,
		NextRunAt:  t.nextRunAt,
		LastRunAt:  t.lastRunAt,
		LastStatus: t.lastStatus,
	}
}
