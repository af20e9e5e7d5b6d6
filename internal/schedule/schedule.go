package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is wrapped into every parse failure so callers can
// detect malformed expressions with errors.Is.
var ErrInvalidSchedule = errors.New("invalid schedule expression")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is a parsed, immutable cron expression.
//
// The zero Spec is invalid; obtain one via Parse.
type Spec struct {
	expr  string
	sched cron.Schedule
}

// Parse validates expr and returns an evaluatable Spec.
//
// Accepted forms: "*/5 * * * *", "30 */2 * * * *" (seconds field),
// "@hourly", "@every 55m".
func Parse(expr string) (Spec, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, s, err)
	}
	return Spec{expr: s, sched: sched}, nil
}

// MustParse is Parse for tests and static schedules; it panics on error.
func MustParse(expr string) Spec {
	sp, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return sp
}

func (s Spec) IsZero() bool   { return s.sched == nil }
func (s Spec) String() string { return s.expr }

// Next returns the earliest instant strictly after the reference that
// satisfies the expression. It is deterministic and side-effect free.
func (s Spec) Next(after time.Time) time.Time {
	return s.sched.Next(after)
}

// NextFrom returns the next trigger after `after`, clamped so the result is
// strictly later than `now`.
//
// The clamp is what prevents catch-up bursts: if `after` is far in the past
// (long pause, task re-enabled, host clock jump), the result is the first
// occurrence in the future, not a backlog of missed ones.
func (s Spec) NextFrom(after, now time.Time) time.Time {
	base := after
	if now.After(base) {
		base = now
	}
	return s.sched.Next(base)
}
