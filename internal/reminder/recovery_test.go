package reminder

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seed(t *testing.T, s *flakyStore, subject int64, armed time.Time, ttl time.Duration) Record {
	t.Helper()
	r := Record{
		Key:      Key{Scope: -100, Subject: subject, Kind: "summon"},
		Context:  []byte(`{"chat_id":-100}`),
		ArmedAt:  armed,
		ExpireAt: armed.Add(ttl),
	}
	if err := s.Store.UpsertSchedule(context.Background(), r); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return r
}

func TestRestoreResumesRemainingCountdown(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()

	// First process arms a 1s reminder and dies 400ms later.
	first := New(Config{}, Deps{Store: store, Gate: newGate(true), Dispatcher: &recorder{}})
	if _, err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := first.Arm(context.Background(), trig(1, time.Second)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if store.count(t) != 1 {
		t.Fatalf("Stop removed the pending record")
	}

	// Second process restores it.
	f := &fixture{store: store, gate: newGate(true), disp: &recorder{}}
	f.svc = New(Config{}, Deps{Store: store, Gate: f.gate, Dispatcher: f.disp})
	restoredAt := time.Now()
	rep, err := f.svc.Start(context.Background())
	if err != nil || rep.Restored != 1 {
		t.Fatalf("Start = %+v, %v; want 1 restored", rep, err)
	}
	t.Cleanup(func() { _ = f.svc.Stop(context.Background()) })

	waitFor(t, 3*time.Second, "restored fire", func() bool { return f.disp.calls() == 1 })
	elapsed := f.disp.firstAt().Sub(restoredAt)
	if elapsed < 450*time.Millisecond || elapsed > 900*time.Millisecond {
		t.Fatalf("restored reminder fired after %v, want about 600ms", elapsed)
	}
}

func TestRestoreDropsExpiredRecords(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	seed(t, store, 1, time.Now().Add(-time.Hour), 30*time.Minute)
	live := seed(t, store, 2, time.Now(), time.Hour)

	f := newFixture(t, store, nil)
	if f.store.count(t) != 1 {
		t.Fatalf("store holds %d records after restore, want 1", f.store.count(t))
	}
	if !f.svc.Active(live.Key) {
		t.Fatalf("live record was not re-armed")
	}
	time.Sleep(50 * time.Millisecond)
	if f.disp.calls() != 0 {
		t.Fatalf("expired record was delivered")
	}
}

type resolverFunc func(ctx context.Context, r Record) error

func (f resolverFunc) Resolve(ctx context.Context, r Record) error { return f(ctx, r) }

func TestRestoreDropsUnresolvableSubjects(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	now := time.Now()
	gone := seed(t, store, 1, now, time.Hour)
	flaky := seed(t, store, 2, now, time.Hour)
	ok := seed(t, store, 3, now, time.Hour)

	res := resolverFunc(func(_ context.Context, r Record) error {
		switch r.Key.Subject {
		case 1:
			return fmt.Errorf("member left: %w", ErrSubjectUnresolvable)
		case 2:
			return errBoom
		}
		return nil
	})
	f := newFixture(t, store, res)

	if f.svc.Active(gone.Key) {
		t.Fatalf("unresolvable record was re-armed")
	}
	if !f.svc.Active(flaky.Key) || !f.svc.Active(ok.Key) {
		t.Fatalf("resolvable records were not re-armed")
	}
	if f.store.count(t) != 2 {
		t.Fatalf("store holds %d records, want 2", f.store.count(t))
	}
}

func TestRestoreMeasuresDeadlinesAfterSlowResolve(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	start := time.Now()
	lapses := seed(t, store, 3, start, 150*time.Millisecond)
	seed(t, store, 1, start, 700*time.Millisecond)
	seed(t, store, 2, start, 900*time.Millisecond)

	res := resolverFunc(func(ctx context.Context, _ Record) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("resolver called without a deadline")
		}
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	f := newFixture(t, store, res)

	if f.svc.Active(lapses.Key) {
		t.Fatalf("record that lapsed while resolving was re-armed")
	}
	waitFor(t, 3*time.Second, "restored fires", func() bool { return f.disp.calls() == 2 })

	want := map[int64]time.Duration{1: 700 * time.Millisecond, 2: 900 * time.Millisecond}
	f.disp.mu.Lock()
	defer f.disp.mu.Unlock()
	for i, d := range f.disp.got {
		deadline, ok := want[d.Key.Subject]
		if !ok {
			t.Fatalf("unexpected delivery for subject %d", d.Key.Subject)
		}
		late := f.disp.at[i].Sub(start) - deadline
		if late < -20*time.Millisecond || late > 250*time.Millisecond {
			t.Fatalf("subject %d fired %v off its deadline", d.Key.Subject, late)
		}
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	for i := int64(1); i <= 5; i++ {
		seed(t, store, i, time.Now(), time.Hour)
	}
	f := newFixture(t, store, nil)
	if n := f.svc.timers.Len(); n != 5 {
		t.Fatalf("first restore armed %d, want 5", n)
	}
	before := f.svc.Timers()

	rep, err := f.svc.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rep.Restored != 0 || rep.AlreadyLive != 5 {
		t.Fatalf("second restore = %+v, want 0 restored and 5 already live", rep)
	}
	after := f.svc.Timers()
	if len(after) != len(before) {
		t.Fatalf("timers changed from %d to %d", len(before), len(after))
	}
	for i := range after {
		if after[i].Key != before[i].Key || !after[i].Deadline.Equal(before[i].Deadline) {
			t.Fatalf("timer %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestRestoreSurfacesListFailure(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	_ = store.Store.Close()
	svc := New(Config{}, Deps{Store: store, Dispatcher: &recorder{}})
	if _, err := svc.Start(context.Background()); err == nil {
		t.Fatalf("Start on a closed store succeeded")
	}
	_ = svc.Stop(context.Background())
}
