package reminder

import (
	"context"
	"time"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval matches the cleanup cadence of the bot this replaced.
const DefaultSweepInterval = 10 * time.Minute

// Sweep deletes every record whose deadline is at or before now, whether or
// not a countdown is live. It never delivers.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSchedules(ctx, s.now())
	if err != nil {
		return 0, &StoreError{Op: "delete_expired", Err: err}
	}
	if n > 0 {
		s.log.Info("sweep removed stale records", logx.Int64("count", n))
		s.publish(EventSwept, EventData{Swept: n})
	}
	return n, nil
}

// StartSweeper runs Sweep every interval until StopSweeper. The first pass
// happens one interval after start.
func (s *Service) StartSweeper() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.cron != nil {
		return
	}
	every := s.sweepInterval
	if every <= 0 {
		every = DefaultSweepInterval
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(every), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn("sweep failed", logx.Err(err))
		}
	}))
	c.Start()
	s.cron = c
	s.log.Info("sweeper started", logx.Duration("every", every))
}

// StopSweeper stops the schedule and waits for a running pass until ctx is
// done.
func (s *Service) StopSweeper(ctx context.Context) {
	s.sweepMu.Lock()
	c := s.cron
	s.cron = nil
	s.sweepMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
