package reminder

import (
	"context"
	"testing"
	"time"
)

func TestSweepRemovesOnlyStaleRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	seed(t, f.store, 1, time.Now().Add(-time.Hour), time.Minute)
	seed(t, f.store, 2, time.Now().Add(-time.Hour), 2*time.Minute)
	if _, err := f.svc.Arm(context.Background(), trig(3, 0)); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	n, err := f.svc.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v; want 2", n, err)
	}
	if f.store.count(t) != 1 || !f.svc.Active(trig(3, 0).Key()) {
		t.Fatalf("sweep touched the live reminder")
	}
	if f.disp.calls() != 0 {
		t.Fatalf("sweep delivered something")
	}
}

func TestSweeperConvergesOrphans(t *testing.T) {
	t.Parallel()
	store := newFlakyStore()
	svc := New(Config{SweepInterval: time.Second}, Deps{Store: store, Dispatcher: &recorder{}})
	if _, err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	// Written behind the scheduler's back, so no countdown exists.
	seed(t, store, 1, time.Now().Add(-time.Minute), 30*time.Second)

	waitFor(t, 3*time.Second, "sweeper pass", func() bool { return store.count(t) == 0 })
}
