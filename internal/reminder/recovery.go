package reminder

import (
	"context"
	"errors"
	"time"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// resolveTimeout bounds one Resolver call during Restore.
const resolveTimeout = 5 * time.Second

// RestoreReport summarizes one Restore pass.
type RestoreReport struct {
	Restored     int
	Expired      int
	Unresolvable int
	// AlreadyLive counts records whose key already had a countdown.
	AlreadyLive int
}

func (r RestoreReport) Total() int {
	return r.Restored + r.Expired + r.Unresolvable + r.AlreadyLive
}

// Restore rebuilds countdowns from the store. Records whose deadline already
// passed are deleted without firing, as are records the Resolver reports
// unresolvable. Keys with a live countdown are skipped, so calling Restore
// again does not duplicate anything.
func (s *Service) Restore(ctx context.Context) (RestoreReport, error) {
	var rep RestoreReport
	recs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return rep, &StoreError{Op: "list", Err: err}
	}
	for _, rec := range recs {
		log := s.log.With(logx.String("key", rec.Key.String()))
		if s.timers.Active(rec.Key) {
			rep.AlreadyLive++
			continue
		}
		if rec.Expired(s.now()) {
			s.discard(ctx, rec, "expired while offline", log)
			rep.Expired++
			continue
		}
		if s.resolver != nil {
			rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
			rerr := s.resolver.Resolve(rctx, rec)
			cancel()
			if rerr != nil {
				if errors.Is(rerr, ErrSubjectUnresolvable) {
					s.discard(ctx, rec, "subject unresolvable", log)
					rep.Unresolvable++
					continue
				}
				log.Warn("restore: resolve failed; re-arming anyway", logx.Err(rerr))
			}
		}

		// Resolving may have taken a while; the deadline is measured from now.
		now := s.now()
		if rec.Expired(now) {
			s.discard(ctx, rec, "expired during restore", log)
			rep.Expired++
			continue
		}
		switch err := s.timers.Launch(rec.Key, rec.ExpireAt.Sub(now), s.fireFunc(rec)); {
		case errors.Is(err, ErrKeyActive):
			rep.AlreadyLive++
			continue
		case err != nil:
			return rep, err
		}
		rep.Restored++
		log.Debug("reminder restored", logx.Time("expire_at", rec.ExpireAt))
	}

	s.log.Info("restore done",
		logx.Int("restored", rep.Restored),
		logx.Int("expired", rep.Expired),
		logx.Int("unresolvable", rep.Unresolvable),
		logx.Int("already_live", rep.AlreadyLive),
	)
	s.publish(EventRestored, EventData{Report: rep})
	return rep, nil
}

func (s *Service) discard(ctx context.Context, rec Record, why string, log logx.Logger) {
	if err := s.store.DeleteSchedule(ctx, rec.Key); err != nil {
		log.Warn("restore: delete failed; left for the sweeper", logx.String("reason", why), logx.Err(err))
		return
	}
	log.Info("restore: record dropped", logx.String("reason", why))
}
