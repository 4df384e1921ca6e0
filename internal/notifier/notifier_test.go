package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	texts    []string
	attempts int
}

func (f *flakySender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("429")
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *flakySender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func start(t *testing.T, cfg Config, s kit.Sender, store storage.DedupStore) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	svc := New(cfg, s, bus, store, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, bus
}

func notice(text string) kit.Notification {
	return kit.Notification{Channel: "announce", Target: kit.ChatTarget{ChatID: -1}, Text: text}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("no event")
	}
	return eventbus.Event{}
}

func TestNotifyRetriesThenSends(t *testing.T) {
	t.Parallel()
	s := &flakySender{failures: 2}
	svc, bus := start(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: 5 * time.Millisecond}, s, nil)
	sent, unsub := bus.Subscribe(4, EventSent)
	defer unsub()

	if err := svc.Notify(context.Background(), notice("hello")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitEvent(t, sent)
	if got := s.sent(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %v", got)
	}
	if h := svc.History(); len(h) != 1 || h[0].Channel != "announce" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	s := &flakySender{failures: 10}
	svc, bus := start(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 1, RetryBase: time.Millisecond}, s, nil)
	failed, unsub := bus.Subscribe(4, EventFailed)
	defer unsub()

	_ = svc.Notify(context.Background(), notice("x"))
	e := waitEvent(t, failed)
	if e.Data.(Event).Error == "" {
		t.Fatalf("failed event carries no error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", s.attempts)
	}
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	defer store.Close()
	s := &flakySender{}
	cfg := Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute, PersistDedup: true}
	svc, bus := start(t, cfg, s, store)
	deduped, unsub := bus.Subscribe(4, EventDeduped)
	defer unsub()

	_ = svc.Notify(context.Background(), notice("same"))
	_ = svc.Notify(context.Background(), notice("same"))
	waitEvent(t, deduped)

	// A fresh service sharing the store still suppresses it.
	waitUntil(t, func() bool {
		_, ok, _ := store.GetDedup(context.Background(), dedupKey(notice("same")))
		return ok
	})
	again, bus2 := start(t, cfg, s, store)
	deduped2, unsub2 := bus2.Subscribe(4, EventDeduped)
	defer unsub2()
	_ = again.Notify(context.Background(), notice("same"))
	waitEvent(t, deduped2)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &flakySender{}, nil, nil, logx.Nop())
	if err := off.Notify(context.Background(), notice("x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify = %v", err)
	}

	on := New(Config{Enabled: true}, &flakySender{}, nil, nil, logx.Nop())
	if err := on.Notify(context.Background(), notice("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before Start = %v", err)
	}
	on.Start(context.Background())
	on.Stop(context.Background())
	if err := on.Notify(context.Background(), notice("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after Stop = %v", err)
	}
}

func TestDedupCacheCapsEntries(t *testing.T) {
	t.Parallel()
	c := newDedupCache()
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.claim(context.Background(), string(rune('a'+i)), now, time.Duration(i+1)*time.Minute, 5, nil)
	}
	if c.len() != 5 {
		t.Fatalf("cache holds %d entries, want 5", c.len())
	}
	// The earliest-expiring keys were evicted.
	if _, ok := c.claim(context.Background(), "a", now, time.Minute, 5, nil); !ok {
		t.Fatalf("evicted key still suppressed")
	}
}

func TestBackoffStaysUnderCap(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryCap: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := backoff(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("backoff(%d) = %v", attempt, d)
		}
	}
}
