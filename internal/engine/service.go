package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"schedcore/internal/eventbus"
	logx "schedcore/pkg/logx"
)

// Service is the host-facing scheduling engine: registration surface,
// lifecycle controller and owner of the loop/dispatcher pair.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	reg  *registry
	disp *dispatcher

	mu        sync.Mutex
	state     LifecycleState
	stopCh    chan struct{}
	loopDone  chan struct{}
	runCancel context.CancelFunc
}

// New builds an engine instance. Nothing runs until Start.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		loc:   loadLocation(cfg.Timezone, log),
		reg:   newRegistry(),
		state: LifecycleNotStarted,
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// AddTask registers an action under a cron expression. Valid before and
// after Start; a task registered while running is picked up on the next
// tick. Fails with ErrInvalidSchedule on a malformed expression, leaving
// the registry unchanged.
func (s *Service) AddTask(action Action, expr string, policy OverlapPolicy) (string, error) {
	return s.AddTaskNamed("", action, expr, policy)
}

// AddTaskNamed is AddTask with a human-readable name for logs and status
// output. An empty name gets a short generated one.
func (s *Service) AddTaskNamed(name string, action Action, expr string, policy OverlapPolicy) (string, error) {
	now := time.Now().In(s.loc)
	id, err := s.reg.register(strings.TrimSpace(name), expr, policy, action, now)
	if err != nil {
		return "", err
	}
	st, _ := s.reg.status(id)
	s.log.Debug("task registered",
		logx.String("task", st.Name),
		logx.String("id", id),
		logx.String("spec", expr),
		logx.String("overlap", policy.String()),
		logx.Time("next", st.NextRunAt),
	)
	return id, nil
}

// RemoveTask unregisters the task. A running task is removed only after
// its in-flight execution completes.
func (s *Service) RemoveTask(id string) error {
	err := s.reg.unregister(id)
	if err == nil {
		s.log.Debug("task removed", logx.String("id", id))
	}
	return err
}

// EnableTask moves a disabled task back into scheduling.
func (s *Service) EnableTask(id string) error {
	return s.reg.enable(id, time.Now().In(s.loc))
}

// DisableTask excludes the task from future dispatch. A current execution
// is left to finish.
func (s *Service) DisableTask(id string) error {
	return s.reg.disable(id)
}

// Status returns a consistent snapshot of one task.
func (s *Service) Status(id string) (TaskStatus, error) {
	return s.reg.status(id)
}

// Statuses returns snapshots of all registered tasks, sorted by name.
func (s *Service) Statuses() []TaskStatus {
	return s.reg.statuses()
}

// History returns the bounded execution record ring, oldest first.
// Empty until the engine has started.
func (s *Service) History() []Execution {
	s.mu.Lock()
	d := s.disp
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.historySnapshot()
}

// State reports the current lifecycle state.
func (s *Service) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stopping exposes the shutdown signal. It is closed when Stop begins, so
// task bodies (and hosts) can observe shutdown; actions also see it as
// cancellation of their context. Returns nil before Start.
func (s *Service) Stopping() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// Start begins the tick cycle. The lifecycle is single-shot: any second
// call, including after Stop, fails with ErrAlreadyStarted.
//
// ctx is the base context actions run under; it is not a stop surface --
// use Stop for that.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LifecycleNotStarted {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.disp = newDispatcher(s.reg, s.cfg, runCtx, s.stopCh, s.log, s.bus)
	s.state = LifecycleRunning

	go s.loop()

	s.log.Info("engine started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.String("tz", s.loc.String()),
	)
	return nil
}

// Stop transitions Running -> Stopping -> Stopped. New submissions halt
// immediately; in-flight executions get up to drainTimeout to finish
// (0 = no wait). Executions still running afterwards are abandoned but
// their outcome, if they ever finish, is still recorded. Calling Stop on a
// non-running engine is a no-op that reports the current state.
func (s *Service) Stop(drainTimeout time.Duration) LifecycleState {
	s.mu.Lock()
	if s.state != LifecycleRunning {
		st := s.state
		s.mu.Unlock()
		return st
	}
	s.state = LifecycleStopping
	close(s.stopCh)
	s.runCancel()
	loopDone := s.loopDone
	d := s.disp
	// Queued successors must not start during drain.
	d.stopping.Store(true)
	s.mu.Unlock()

	s.log.Info("engine stopping", logx.Duration("drain_timeout", drainTimeout))
	<-loopDone

	drained := d.drain(drainTimeout)
	if !drained {
		s.log.Warn("drain timed out; abandoning in-flight executions")
	}

	s.mu.Lock()
	s.state = LifecycleStopped
	s.mu.Unlock()

	s.log.Info("engine stopped", logx.Bool("drained", drained))
	return LifecycleStopped
}
