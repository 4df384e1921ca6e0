package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	rem, unsubRem := b.Subscribe(4, "reminder.")
	defer unsubRem()

	b.Publish(Event{Type: "notifier.sent"})
	b.Publish(Event{Type: "reminder.fired", Data: 1})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
	if len(rem) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(rem))
	}
	e := <-rem
	if e.Type != "reminder.fired" || e.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if len(ch) != 1 {
		t.Fatalf("buffer len = %d, want 1", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
