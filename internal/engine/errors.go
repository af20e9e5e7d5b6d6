package engine

import (
	"errors"

	"schedcore/internal/schedule"
)

var (
	// ErrInvalidSchedule reports a malformed cron expression at registration.
	// Registration fails atomically; no partial task is left behind.
	ErrInvalidSchedule = schedule.ErrInvalidSchedule

	// ErrUnknownTask reports an id that is not (or no longer) registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadyStarted reports a second Start call. The lifecycle is
	// single-shot: NotStarted -> Running -> Stopping -> Stopped.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNilAction reports a registration without an action.
	ErrNilAction = errors.New("task action is nil")
)
