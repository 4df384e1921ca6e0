package reminder

import (
	"context"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// Start opens the timer engine, restores persisted reminders and then starts
// the sweeper, in that order. Triggers should be fed only after Start
// returns.
func (s *Service) Start(ctx context.Context) (RestoreReport, error) {
	s.timers.Run(ctx)
	rep, err := s.Restore(ctx)
	if err != nil {
		return rep, err
	}
	s.StartSweeper()
	return rep, nil
}

// Stop halts the sweeper and every waiting countdown. Fires already running
// get until ctx is done to finish. Records of countdowns that never fired
// stay in the store for the next Start.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.StopSweeper(ctx)
	pending := s.timers.Len()
	err := s.timers.Stop(ctx)
	s.log.Info("reminders stopped", logx.Int("pending", pending), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Stats exposes countdown goroutine counters.
func (s *Service) Stats() supervisor.Snapshot { return s.timers.Snapshot() }
