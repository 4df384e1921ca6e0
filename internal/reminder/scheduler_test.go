package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestArmTwiceKeepsOneTimerAndOneRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	first, err := f.svc.Arm(ctx, trig(1, 0))
	if err != nil || first.Status != Armed {
		t.Fatalf("first Arm = %+v, %v", first, err)
	}
	second, err := f.svc.Arm(ctx, trig(1, 0))
	if err != nil || second.Status != AlreadyArmed {
		t.Fatalf("second Arm = %+v, %v; want AlreadyArmed", second, err)
	}
	if n := f.store.count(t); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
	if n := f.svc.timers.Len(); n != 1 {
		t.Fatalf("engine holds %d timers, want 1", n)
	}

	// The duplicate must not move the deadline.
	recs, _ := f.svc.ActiveByScope(ctx, -100)
	if len(recs) != 1 || !recs[0].ExpireAt.Equal(first.ExpireAt) {
		t.Fatalf("record after duplicate = %+v, want expire_at %v", recs, first.ExpireAt)
	}
}

func TestConcurrentArmHasOneWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	const n = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		armed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Arm(context.Background(), trig(7, 0))
			if err != nil {
				t.Errorf("Arm: %v", err)
				return
			}
			if res.Status == Armed {
				mu.Lock()
				armed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if armed != 1 {
		t.Fatalf("%d concurrent Arm calls won, want 1", armed)
	}
	if c := f.store.count(t); c != 1 {
		t.Fatalf("store holds %d records, want 1", c)
	}
}

func TestArmStoreFailureStartsNothing(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	store.failUpsert.Store(true)
	f := newFixture(t, store, nil)

	_, err := f.svc.Arm(context.Background(), trig(1, 0))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("Arm error = %v, want ErrStore", err)
	}
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "upsert" || !errors.Is(err, errBoom) {
		t.Fatalf("Arm error = %#v, want upsert StoreError wrapping boom", err)
	}
	if f.svc.Active(trig(1, 0).Key()) {
		t.Fatalf("timer started although the store write failed")
	}

	// The key is free again once the store recovers.
	store.failUpsert.Store(false)
	if res, err := f.svc.Arm(context.Background(), trig(1, 0)); err != nil || res.Status != Armed {
		t.Fatalf("Arm after recovery = %+v, %v", res, err)
	}
}

func TestArmDeniedWhenScopeIneligible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.gate.ok.Store(false)
	events, unsub := f.bus.Subscribe(4, EventDenied)
	defer unsub()

	res, err := f.svc.Arm(context.Background(), trig(1, 0))
	if err != nil || res.Status != Denied {
		t.Fatalf("Arm = %+v, %v; want Denied", res, err)
	}
	if f.store.count(t) != 0 || f.svc.timers.Len() != 0 {
		t.Fatalf("denied Arm left state behind")
	}
	select {
	case e := <-events:
		if e.Data.(EventData).Key.Subject != 1 {
			t.Fatalf("denied event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s event", EventDenied)
	}
}

func TestArmRejectsInvalidTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	tests := []Trigger{
		{Scope: 0, Subject: 1, Kind: "summon"},
		{Scope: -1, Subject: 0, Kind: "summon"},
		{Scope: -1, Subject: 1, Kind: "  "},
	}
	for _, tr := range tests {
		if _, err := f.svc.Arm(context.Background(), tr); !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("Arm(%+v) = %v, want ErrInvalidTrigger", tr, err)
		}
	}
}

func TestFireDeliversOnceAndCleansUp(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	f := newFixture(t, store, nil)
	key := trig(1, 0).Key()

	// The durable record must go before the in-memory entry.
	var activeAtDelete []bool
	var mu sync.Mutex
	store.onDelete = func(k Key) {
		if k == key {
			mu.Lock()
			activeAtDelete = append(activeAtDelete, f.svc.Active(k))
			mu.Unlock()
		}
	}

	if _, err := f.svc.Arm(context.Background(), trig(1, 50*time.Millisecond)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, 2*time.Second, "cleanup", func() bool { return !f.svc.Active(key) })

	if f.disp.calls() != 1 {
		t.Fatalf("deliver called %d times, want 1", f.disp.calls())
	}
	d := f.disp.got[0]
	if d.Key != key || d.Payload != "{mention} summon is ready" || string(d.Context) != `{"chat_id":-100}` {
		t.Fatalf("delivery = %+v", d)
	}
	if f.store.count(t) != 0 {
		t.Fatalf("record survived the fire")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(activeAtDelete) != 1 || !activeAtDelete[0] {
		t.Fatalf("durable delete ran with in-memory entry present = %v, want [true]", activeAtDelete)
	}
}

func TestFireSkipsDeliveryWhenEligibilityLapses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	events, unsub := f.bus.Subscribe(4, EventSkipped)
	defer unsub()

	if _, err := f.svc.Arm(context.Background(), trig(1, 80*time.Millisecond)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	f.gate.ok.Store(false)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", EventSkipped)
	}
	waitFor(t, time.Second, "cleanup", func() bool { return f.svc.timers.Len() == 0 })
	if f.disp.calls() != 0 {
		t.Fatalf("deliver called although scope lapsed")
	}
	if f.store.count(t) != 0 {
		t.Fatalf("record survived a skipped fire")
	}
}

func TestFailedDeliveryIsNotRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.disp.err = errBoom
	events, unsub := f.bus.Subscribe(4, EventFailed)
	defer unsub()

	if _, err := f.svc.Arm(context.Background(), trig(1, 30*time.Millisecond)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	select {
	case e := <-events:
		if !errors.Is(e.Data.(EventData).Err, errBoom) {
			t.Fatalf("failed event err = %v", e.Data.(EventData).Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", EventFailed)
	}
	waitFor(t, time.Second, "cleanup", func() bool { return f.svc.timers.Len() == 0 })
	time.Sleep(100 * time.Millisecond)
	if f.disp.calls() != 1 {
		t.Fatalf("deliver called %d times, want exactly 1", f.disp.calls())
	}
	if f.store.count(t) != 0 {
		t.Fatalf("record survived a failed delivery")
	}
}

func TestPanickingDispatcherStillCleansUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.disp.panic = true

	if _, err := f.svc.Arm(context.Background(), trig(1, 20*time.Millisecond)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, 2*time.Second, "cleanup", func() bool { return f.svc.timers.Len() == 0 && f.disp.calls() == 1 })
	if f.store.count(t) != 0 {
		t.Fatalf("record survived a panicking dispatcher")
	}
	// Other keys keep working.
	if _, err := f.svc.Arm(context.Background(), trig(2, time.Hour)); err != nil {
		t.Fatalf("Arm after panic: %v", err)
	}
}

func TestCleanupDeleteFailureLeavesRecordForSweeper(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	f := newFixture(t, store, nil)
	store.failDelete.Store(true)

	if _, err := f.svc.Arm(context.Background(), trig(1, 20*time.Millisecond)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, 2*time.Second, "fire", func() bool { return f.svc.timers.Len() == 0 })
	if store.count(t) != 1 {
		t.Fatalf("record count = %d, want the undeletable record to remain", store.count(t))
	}
	if n, err := f.svc.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
}

func TestCancelStopsCountdownAndDeletesRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	key := trig(1, 0).Key()

	if _, err := f.svc.Arm(context.Background(), trig(1, 150*time.Millisecond)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	ok, err := f.svc.Cancel(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v; want true", ok, err)
	}
	if f.svc.Active(key) || f.store.count(t) != 0 {
		t.Fatalf("Cancel left state behind")
	}
	time.Sleep(300 * time.Millisecond)
	if f.disp.calls() != 0 {
		t.Fatalf("deliver called after Cancel")
	}

	ok, err = f.svc.Cancel(context.Background(), key)
	if err != nil || ok {
		t.Fatalf("second Cancel = %v, %v; want false", ok, err)
	}
	// The key can be armed again.
	if res, err := f.svc.Arm(context.Background(), trig(1, 0)); err != nil || res.Status != Armed {
		t.Fatalf("Arm after Cancel = %+v, %v", res, err)
	}
}

func TestCancelRemovesOrphanRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	r := Record{Key: trig(9, 0).Key(), ArmedAt: time.Now(), ExpireAt: time.Now().Add(time.Hour)}
	if err := f.store.Store.UpsertSchedule(context.Background(), r); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ok, err := f.svc.Cancel(context.Background(), r.Key)
	if err != nil || ok {
		t.Fatalf("Cancel = %v, %v; want false with no live timer", ok, err)
	}
	if f.store.count(t) != 0 {
		t.Fatalf("orphan record not deleted")
	}
}

func TestKindCooldownAppliesWithoutOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	before := time.Now()
	res, err := f.svc.Arm(context.Background(), trig(1, 0))
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if got := res.ExpireAt.Sub(before); got < time.Hour || got > time.Hour+time.Second {
		t.Fatalf("expire_at - now = %v, want the summon cooldown of 1h", got)
	}

	f.svc.ApplyKinds(nil, 0)
	res, err = f.svc.Arm(context.Background(), Trigger{Scope: -1, Subject: 1, Kind: "vote"})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if got := time.Until(res.ExpireAt); got < DefaultCooldown-time.Second || got > DefaultCooldown {
		t.Fatalf("unknown kind cooldown = %v, want %v", got, DefaultCooldown)
	}
}
