package engine

import (
	"context"
	"time"
)

// Action is the opaque unit of work bound to a task. The engine never
// inspects it; it only invokes it and captures the outcome.
//
// The context is canceled when the engine starts stopping, so long-running
// actions can exit early. The engine never forcibly interrupts an action.
type Action func(ctx context.Context) error

// OverlapPolicy decides what happens when a task's next occurrence becomes
// due while a previous occurrence is still running.
type OverlapPolicy int

const (
	// OverlapSkip discards the new occurrence (recorded as Skipped).
	// Skip never blocks, not even on the global concurrency ceiling.
	OverlapSkip OverlapPolicy = iota
	// OverlapQueue retains at most one pending successor; it starts as soon
	// as the in-flight occurrence finishes. A third concurrent occurrence is
	// skipped to bound queue growth.
	OverlapQueue
	// OverlapParallel runs occurrences concurrently, limited only by the
	// global ceiling.
	OverlapParallel
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapSkip:
		return "skip"
	case OverlapQueue:
		return "queue"
	case OverlapParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// TaskState is the registry-owned task state machine.
//
// Idle -> Running on dispatch start; Running -> Idle on completion;
// any -> Disabled on disable; Disabled -> Idle on enable.
type TaskState int

const (
	StateIdle TaskState = iota
	StateRunning
	StateDisabled
)

func (s TaskState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// RunStatus is the outcome of one dispatch attempt.
type RunStatus int

const (
	// StatusNone means the task has not been dispatched yet.
	StatusNone RunStatus = iota
	StatusSuccess
	StatusFailure
	StatusSkipped
)

func (s RunStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Execution is the ephemeral record of one dispatch attempt. Error is set
// iff Status is StatusFailure.
type Execution struct {
	TaskID    string
	Name      string
	StartedAt time.Time
	EndedAt   time.Time
	Status    RunStatus
	Error     string
}

// TaskStatus is a read-only snapshot of one task, taken under the registry
// lock at a single consistent instant.
type TaskStatus struct {
	ID         string
	Name       string
	Spec       string
	Overlap    OverlapPolicy
	State      TaskState
	NextRunAt  time.Time
	LastRunAt  time.Time
	LastStatus RunStatus
}

// LifecycleState is the engine's start/stop state machine. Stopped is
// terminal; a stopped engine cannot be restarted.
type LifecycleState int

const (
	LifecycleNotStarted LifecycleState = iota
	LifecycleRunning
	LifecycleStopping
	LifecycleStopped
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleNotStarted:
		return "not_started"
	case LifecycleRunning:
		return "running"
	case LifecycleStopping:
		return "stopping"
	case LifecycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls the engine.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: 1s
//   - max_concurrent: 0 (unbounded)
//   - timezone: process-local
//   - history_size: 200
type Config struct {
	// TickInterval is how often the loop scans for due tasks.
	TickInterval time.Duration

	// MaxConcurrent caps simultaneously running actions across all tasks.
	// 0 means unbounded.
	MaxConcurrent int

	// Timezone is the IANA zone all trigger instants are evaluated in
	// (e.g. "Asia/Jakarta"). Empty means process-local.
	Timezone string

	// HistorySize bounds the in-memory execution record ring.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}
