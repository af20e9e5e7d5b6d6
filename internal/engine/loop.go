package engine

import (
	"time"

	logx "schedcore/pkg/logx"
)

// loop is the single coordinating goroutine. It wakes on a fixed tick,
// scans for due tasks and hands them to the dispatcher. It never runs an
// action inline, so a slow task body can only ever occupy dispatcher slots,
// never the scan itself.
func (s *Service) loop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(time.Now().In(s.loc))
		}
	}
}

// tick reads the clock once and processes everything due at that instant.
// next_run_at advances right after submission -- not at completion -- so a
// long-running occurrence never delays the scheduling of its successors
// (what happens to those is the overlap policy's business).
func (s *Service) tick(now time.Time) {
	due := s.reg.due(now)
	if len(due) == 0 {
		return
	}
	s.log.Trace("tick", logx.Int("due", len(due)), logx.Time("now", now))

	for _, id := range due {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.disp.submit(id, now)
		s.reg.advance(id, now)
	}
}
