package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Kinds           map[string]KindConfig
	DefaultCooldown time.Duration
	// FireTimeout bounds one fire: gate check, delivery and cleanup.
	FireTimeout   time.Duration
	SweepInterval time.Duration
}

type Deps struct {
	Store      Store
	Gate       Gate
	Dispatcher Dispatcher
	// Resolver is optional; without it Restore re-arms every live record.
	Resolver Resolver
	Bus      eventbus.Bus
	Log      logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service arms, fires, cancels and restores reminders.
type Service struct {
	store    Store
	gate     Gate
	dispatch Dispatcher
	resolver Resolver
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	timers *TimerEngine

	mu              sync.RWMutex
	kinds           map[string]KindConfig
	defaultCooldown time.Duration

	sweepMu       sync.Mutex
	sweepInterval time.Duration
	cron          *cron.Cron
}

func New(cfg Config, deps Deps) *Service {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:         deps.Store,
		gate:          deps.Gate,
		dispatch:      deps.Dispatcher,
		resolver:      deps.Resolver,
		bus:           deps.Bus,
		log:           log,
		now:           deps.Now,
		timers:        NewTimerEngine(log.With(logx.String("sub", "timers")), cfg.FireTimeout),
		sweepInterval: cfg.SweepInterval,
	}
	s.ApplyKinds(cfg.Kinds, cfg.DefaultCooldown)
	return s
}

// ApplyKinds swaps the kind table. Live countdowns keep the deadline they
// were armed with.
func (s *Service) ApplyKinds(kinds map[string]KindConfig, defaultCooldown time.Duration) {
	if defaultCooldown <= 0 {
		defaultCooldown = DefaultCooldown
	}
	next := make(map[string]KindConfig, len(kinds))
	for name, k := range kinds {
		next[name] = k
	}
	s.mu.Lock()
	s.kinds = next
	s.defaultCooldown = defaultCooldown
	s.mu.Unlock()
}

func (s *Service) kind(name string) KindConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.kinds[name]
	if k.Cooldown <= 0 {
		k.Cooldown = s.defaultCooldown
	}
	return k
}

// Kinds returns the configured kind names with their effective policy.
func (s *Service) Kinds() map[string]KindConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]KindConfig, len(s.kinds))
	for name, k := range s.kinds {
		if k.Cooldown <= 0 {
			k.Cooldown = s.defaultCooldown
		}
		out[name] = k
	}
	return out
}

// Arm schedules one reminder for the trigger's key.
//
// A key that is already live returns AlreadyArmed and is not refreshed. An
// ineligible scope returns Denied. The record is persisted before the
// countdown starts; a failed write returns a *StoreError and starts nothing.
func (s *Service) Arm(ctx context.Context, t Trigger) (ArmResult, error) {
	key := t.Key()
	if !key.Valid() {
		return ArmResult{}, fmt.Errorf("%w: %s", ErrInvalidTrigger, key)
	}
	log := s.log.With(logx.String("key", key.String()))

	if s.timers.Active(key) {
		return ArmResult{Status: AlreadyArmed}, nil
	}
	if !s.eligible(ctx, key.Scope, log) {
		s.publish(EventDenied, EventData{Key: key, Context: t.Context})
		return ArmResult{Status: Denied}, nil
	}

	switch err := s.timers.Reserve(key); {
	case errors.Is(err, ErrKeyActive):
		return ArmResult{Status: AlreadyArmed}, nil
	case err != nil:
		return ArmResult{}, err
	}

	cooldown := t.Cooldown
	if cooldown <= 0 {
		cooldown = s.kind(key.Kind).Cooldown
	}
	now := s.now()
	rec := Record{Key: key, Context: t.Context, ArmedAt: now, ExpireAt: now.Add(cooldown)}

	if err := s.store.UpsertSchedule(ctx, rec); err != nil {
		s.timers.Release(key)
		log.Warn("arm: store write failed", logx.Err(err))
		return ArmResult{}, &StoreError{Op: "upsert", Key: key, Err: err}
	}
	if err := s.timers.Start(key, cooldown, s.fireFunc(rec)); err != nil {
		// Stopping. The record stays for the next Restore.
		s.timers.Release(key)
		return ArmResult{}, err
	}

	log.Info("reminder armed", logx.Duration("cooldown", cooldown), logx.Time("expire_at", rec.ExpireAt))
	s.publish(EventArmed, EventData{Key: key, Context: rec.Context, ExpireAt: rec.ExpireAt})
	return ArmResult{Status: Armed, ExpireAt: rec.ExpireAt}, nil
}

// Cancel interrupts the countdown for key and deletes its record. It
// reports whether a countdown was interrupted. A key that is firing or being
// armed right now is left alone and reports false.
func (s *Service) Cancel(ctx context.Context, key Key) (bool, error) {
	wasRunning := s.timers.Interrupt(key)
	if !wasRunning {
		// Hold the key so a concurrent Arm cannot write a record we then
		// delete.
		if err := s.timers.Reserve(key); err != nil {
			if errors.Is(err, ErrKeyActive) {
				return false, nil
			}
			return false, err
		}
	}
	defer s.timers.Release(key)

	if err := s.store.DeleteSchedule(ctx, key); err != nil {
		s.log.Warn("cancel: store delete failed", logx.String("key", key.String()), logx.Err(err))
		return wasRunning, &StoreError{Op: "delete", Key: key, Err: err}
	}
	if wasRunning {
		s.log.Info("reminder cancelled", logx.String("key", key.String()))
		s.publish(EventCancelled, EventData{Key: key})
	}
	return wasRunning, nil
}

// Active reports whether key has a live countdown.
func (s *Service) Active(key Key) bool { return s.timers.Active(key) }

// Timers lists live countdowns.
func (s *Service) Timers() []TimerInfo { return s.timers.Keys() }

// ActiveByScope reads pending records for scope from the store.
func (s *Service) ActiveByScope(ctx context.Context, scope int64) ([]Record, error) {
	recs, err := s.store.ListSchedulesByScope(ctx, scope)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return recs, nil
}

func (s *Service) eligible(ctx context.Context, scope int64, log logx.Logger) bool {
	if s.gate == nil {
		return true
	}
	ok, err := s.gate.IsEligible(ctx, scope)
	if err != nil {
		log.Warn("eligibility check failed; treating as ineligible", logx.Int64("scope", scope), logx.Err(err))
		return false
	}
	return ok
}

func (s *Service) fireFunc(rec Record) FireFunc {
	return func(ctx context.Context) { s.fire(ctx, rec) }
}

// fire runs once per countdown. Whatever happens, the durable record is
// deleted before the engine drops the in-memory entry.
func (s *Service) fire(ctx context.Context, rec Record) {
	log := s.log.With(logx.String("key", rec.Key.String()))
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("fire panic: %v", r)
			log.Error("fire panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.publish(EventFailed, EventData{Key: rec.Key, Context: rec.Context, Err: err})
		}
		s.cleanup(ctx, rec.Key, log)
	}()

	if !s.eligible(ctx, rec.Key.Scope, log) {
		log.Info("reminder skipped: scope not eligible")
		s.publish(EventSkipped, EventData{Key: rec.Key, Context: rec.Context})
		return
	}

	d := Delivery{Key: rec.Key, Context: rec.Context, Payload: s.kind(rec.Key.Kind).Message}
	if err := s.dispatch.Deliver(ctx, d); err != nil {
		log.Warn("reminder delivery failed", logx.Err(err))
		s.publish(EventFailed, EventData{Key: rec.Key, Context: rec.Context, Err: err})
		return
	}
	log.Info("reminder fired")
	s.publish(EventFired, EventData{Key: rec.Key, Context: rec.Context, ExpireAt: rec.ExpireAt})
}

func (s *Service) cleanup(ctx context.Context, key Key, log logx.Logger) {
	// The fire context may already be spent by a slow delivery.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.DeleteSchedule(cctx, key); err != nil {
		log.Warn("fire cleanup: store delete failed; left for the sweeper", logx.Err(err))
	}
}

func (s *Service) publish(typ string, data EventData) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
