// Package engine is the scheduling core: a task registry keyed by id, a
// single coordinating tick loop that detects due tasks, and a dispatcher
// that runs task actions concurrently under per-task overlap policies and a
// global concurrency ceiling.
//
// The engine is an explicit instance owned by the host (no process-wide
// singleton). It never persists anything: schedules live for the process
// lifetime and execution records are a bounded in-memory diagnostic ring.
//
// Concurrency model:
//   - The registry's mutex serializes all task state (state, next_run_at,
//     overlap bookkeeping). Loop and dispatcher both go through it.
//   - Task actions each run on their own goroutine; the loop only submits.
//   - stop() halts the loop, cancels the run context that actions receive
//     (the shutdown signal actions may observe), and drains in-flight
//     executions up to a bounded timeout. Stragglers are abandoned; if they
//     eventually finish, the outcome is still recorded.
package engine
