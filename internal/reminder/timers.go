package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// ErrKeyActive is returned by TimerEngine when the key already holds a slot.
var ErrKeyActive = errors.New("reminder: key active")

// FireFunc runs when a countdown reaches its deadline.
type FireFunc func(ctx context.Context)

type timerState uint8

const (
	// stateReserved holds the key while the caller writes the store or
	// cleans up after an interrupt. No goroutine runs.
	stateReserved timerState = iota
	stateWaiting
	stateFiring
)

func (s timerState) String() string {
	switch s {
	case stateReserved:
		return "reserved"
	case stateWaiting:
		return "waiting"
	case stateFiring:
		return "firing"
	default:
		return "unknown"
	}
}

type timerEntry struct {
	state    timerState
	deadline time.Time
	stop     context.CancelFunc
}

// TimerInfo describes one live key.
type TimerInfo struct {
	Key      Key
	State    string
	Deadline time.Time
}

// TimerEngine owns at most one countdown per key. Every state change happens
// under mu, so the "already active" check and the insert are one step.
//
// A key moves reserved -> waiting -> firing and is removed when the fire
// callback returns. Interrupt moves waiting back to reserved and leaves the
// caller to Release.
type TimerEngine struct {
	log         logx.Logger
	fireTimeout time.Duration

	mu      sync.Mutex
	entries map[Key]*timerEntry
	sup     *supervisor.Supervisor
	stopped bool
}

// NewTimerEngine returns an engine that refuses work until Run.
// fireTimeout bounds each fire callback, including during shutdown.
func NewTimerEngine(log logx.Logger, fireTimeout time.Duration) *TimerEngine {
	if fireTimeout <= 0 {
		fireTimeout = 30 * time.Second
	}
	return &TimerEngine{
		log:         log,
		fireTimeout: fireTimeout,
		entries:     map[Key]*timerEntry{},
	}
}

// Run starts accepting countdowns. Cancelling ctx stops every waiting
// countdown without firing it.
func (e *TimerEngine) Run(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return
	}
	e.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(e.log))
	e.stopped = false
}

// Reserve claims key without starting a countdown.
func (e *TimerEngine) Reserve(key Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserveLocked(key)
}

func (e *TimerEngine) reserveLocked(key Key) error {
	if e.sup == nil || e.stopped {
		return ErrStopped
	}
	if _, ok := e.entries[key]; ok {
		return ErrKeyActive
	}
	e.entries[key] = &timerEntry{state: stateReserved}
	return nil
}

// Release drops a reservation. Keys in any other state are left alone.
func (e *TimerEngine) Release(key Key) {
	e.mu.Lock()
	if ent, ok := e.entries[key]; ok && ent.state == stateReserved {
		delete(e.entries, key)
	}
	e.mu.Unlock()
}

// Start begins the countdown for a key the caller reserved.
func (e *TimerEngine) Start(key Key, d time.Duration, fire FireFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup == nil || e.stopped {
		return ErrStopped
	}
	ent, ok := e.entries[key]
	if !ok || ent.state != stateReserved {
		return errors.New("reminder: start without reservation")
	}
	e.startLocked(key, ent, d, fire)
	return nil
}

// Launch reserves and starts in one step.
func (e *TimerEngine) Launch(key Key, d time.Duration, fire FireFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.reserveLocked(key); err != nil {
		return err
	}
	e.startLocked(key, e.entries[key], d, fire)
	return nil
}

func (e *TimerEngine) startLocked(key Key, ent *timerEntry, d time.Duration, fire FireFunc) {
	wctx, stop := context.WithCancel(e.sup.Context())
	ent.state = stateWaiting
	ent.deadline = time.Now().Add(d)
	ent.stop = stop
	e.sup.Go0("countdown", func(context.Context) {
		e.countdown(wctx, key, ent, d, fire)
	})
}

func (e *TimerEngine) countdown(wctx context.Context, key Key, ent *timerEntry, d time.Duration, fire FireFunc) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-wctx.Done():
		// Interrupt already moved the entry to reserved; only shutdown
		// leaves it waiting.
		e.mu.Lock()
		if cur, ok := e.entries[key]; ok && cur == ent && ent.state == stateWaiting {
			delete(e.entries, key)
		}
		e.mu.Unlock()
		return
	case <-t.C:
	}

	e.mu.Lock()
	if cur, ok := e.entries[key]; !ok || cur != ent || ent.state != stateWaiting {
		e.mu.Unlock()
		return
	}
	ent.state = stateFiring
	e.mu.Unlock()
	ent.stop()

	defer func() {
		e.mu.Lock()
		if cur, ok := e.entries[key]; ok && cur == ent {
			delete(e.entries, key)
		}
		e.mu.Unlock()
	}()

	// Shutdown must not abort a fire halfway through its cleanup.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(wctx), e.fireTimeout)
	defer cancel()
	fire(fctx)
}

// Interrupt stops a waiting countdown before it fires and keeps the key
// reserved. It reports false when nothing was waiting, including when the
// countdown already began firing.
func (e *TimerEngine) Interrupt(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key]
	if !ok || ent.state != stateWaiting {
		return false
	}
	ent.state = stateReserved
	ent.stop()
	return true
}

// Cancel interrupts a waiting countdown and frees its key.
func (e *TimerEngine) Cancel(key Key) bool {
	if !e.Interrupt(key) {
		return false
	}
	e.Release(key)
	return true
}

// Active reports whether key holds a slot in any state.
func (e *TimerEngine) Active(key Key) bool {
	e.mu.Lock()
	_, ok := e.entries[key]
	e.mu.Unlock()
	return ok
}

func (e *TimerEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Keys lists live keys ordered by deadline. Reservations sort first.
func (e *TimerEngine) Keys() []TimerInfo {
	e.mu.Lock()
	out := make([]TimerInfo, 0, len(e.entries))
	for k, ent := range e.entries {
		out = append(out, TimerInfo{Key: k, State: ent.state.String(), Deadline: ent.deadline})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Stop refuses new countdowns, cancels waiting ones and waits for running
// fires until ctx is done. Durable records of cancelled countdowns stay for
// the next Restore.
func (e *TimerEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.stopped = true
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Snapshot exposes countdown goroutine stats.
func (e *TimerEngine) Snapshot() supervisor.Snapshot {
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	return sup.Snapshot()
}
