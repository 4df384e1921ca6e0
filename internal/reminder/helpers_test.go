package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

var errBoom = errors.New("boom")

type flakyStore struct {
	storage.Store
	failUpsert atomic.Bool
	failDelete atomic.Bool
	onDelete   func(Key)
}

func newFlakyStore() *flakyStore { return &flakyStore{Store: storage.NewMemory()} }

func (f *flakyStore) UpsertSchedule(ctx context.Context, r Record) error {
	if f.failUpsert.Load() {
		return errBoom
	}
	return f.Store.UpsertSchedule(ctx, r)
}

func (f *flakyStore) DeleteSchedule(ctx context.Context, key Key) error {
	if f.onDelete != nil {
		f.onDelete(key)
	}
	if f.failDelete.Load() {
		return errBoom
	}
	return f.Store.DeleteSchedule(ctx, key)
}

func (f *flakyStore) count(t *testing.T) int {
	t.Helper()
	all, err := f.Store.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	return len(all)
}

type flagGate struct{ ok atomic.Bool }

func newGate(ok bool) *flagGate {
	g := &flagGate{}
	g.ok.Store(ok)
	return g
}

func (g *flagGate) IsEligible(context.Context, int64) (bool, error) { return g.ok.Load(), nil }

type recorder struct {
	mu    sync.Mutex
	got   []Delivery
	at    []time.Time
	err   error
	panic bool
}

func (r *recorder) Deliver(_ context.Context, d Delivery) error {
	r.mu.Lock()
	r.got = append(r.got, d)
	r.at = append(r.at, time.Now())
	err, p := r.err, r.panic
	r.mu.Unlock()
	if p {
		panic("dispatcher exploded")
	}
	return err
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) firstAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.at) == 0 {
		return time.Time{}
	}
	return r.at[0]
}

type fixture struct {
	svc   *Service
	store *flakyStore
	gate  *flagGate
	disp  *recorder
	bus   eventbus.Bus
}

func newFixture(t *testing.T, store *flakyStore, resolver Resolver) *fixture {
	t.Helper()
	if store == nil {
		store = newFlakyStore()
	}
	f := &fixture{store: store, gate: newGate(true), disp: &recorder{}, bus: eventbus.New()}
	f.svc = New(Config{
		Kinds: map[string]KindConfig{
			"summon": {Cooldown: time.Hour, Message: "{mention} summon is ready"},
		},
		FireTimeout:   2 * time.Second,
		SweepInterval: time.Hour,
	}, Deps{
		Store:      store,
		Gate:       f.gate,
		Dispatcher: f.disp,
		Resolver:   resolver,
		Bus:        f.bus,
		Log:        logx.Nop(),
	})
	if _, err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.svc.Stop(ctx)
	})
	return f
}

func trig(subject int64, cooldown time.Duration) Trigger {
	return Trigger{Scope: -100, Subject: subject, Kind: "summon", Context: []byte(`{"chat_id":-100}`), Cooldown: cooldown}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
