package announce

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type captured struct {
	mu sync.Mutex
	ns []kit.Notification
}

func (c *captured) Notify(_ context.Context, n kit.Notification) error {
	c.mu.Lock()
	c.ns = append(c.ns, n)
	c.mu.Unlock()
	return nil
}

func (c *captured) all() []kit.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kit.Notification(nil), c.ns...)
}

func TestRender(t *testing.T) {
	t.Parallel()
	a := New(Config{}, eventbus.Nop{}, &captured{}, logx.Nop())
	all := Config{Started: true, Finished: true, Denied: true, ChatID: -900}
	key := reminder.Key{Scope: -100, Subject: 42, Kind: "summon"}
	chat := delivery.Target{ChatID: -100, ThreadID: 7, Name: "Ann"}.Encode()
	now := time.Now()

	tests := []struct {
		name   string
		cfg    Config
		typ    string
		data   reminder.EventData
		ok     bool
		target kit.ChatTarget
		text   string
	}{
		{"started", all, reminder.EventArmed, reminder.EventData{Key: key, Context: chat, ExpireAt: now.Add(30 * time.Minute)}, true, kit.ChatTarget{ChatID: -100, ThreadID: 7}, "next availability in 30 minutes"},
		{"finished", all, reminder.EventFired, reminder.EventData{Key: key, Context: chat}, true, kit.ChatTarget{ChatID: -100, ThreadID: 7}, "finished for"},
		{"denied", all, reminder.EventDenied, reminder.EventData{Key: key, Context: chat}, true, kit.ChatTarget{ChatID: -100, ThreadID: 7}, "Subscription inactive"},
		{"restored", all, reminder.EventRestored, reminder.EventData{Report: reminder.RestoreReport{Restored: 3, Expired: 1}}, true, kit.ChatTarget{ChatID: -900}, "3 reminders restored"},
		{"started disabled", Config{}, reminder.EventArmed, reminder.EventData{Key: key, Context: chat}, false, kit.ChatTarget{}, ""},
		{"restored without ops chat", Config{Started: true}, reminder.EventRestored, reminder.EventData{}, false, kit.ChatTarget{}, ""},
		{"direct target", all, reminder.EventArmed, reminder.EventData{Key: key, Context: delivery.Target{Direct: true}.Encode()}, false, kit.ChatTarget{}, ""},
		{"finished after skip", all, reminder.EventSkipped, reminder.EventData{Key: key, Context: chat}, true, kit.ChatTarget{ChatID: -100, ThreadID: 7}, "not sent: subscription inactive"},
		{"finished after failure", all, reminder.EventFailed, reminder.EventData{Key: key, Context: chat}, true, kit.ChatTarget{ChatID: -100, ThreadID: 7}, "delivery failed"},
		{"skip without finish notices", Config{Started: true}, reminder.EventSkipped, reminder.EventData{Key: key, Context: chat}, false, kit.ChatTarget{}, ""},
		{"cancel is silent", all, reminder.EventCancelled, reminder.EventData{Key: key, Context: chat}, false, kit.ChatTarget{}, ""},
	}
	for _, tt := range tests {
		n, ok := a.render(tt.cfg, eventbus.Event{Type: tt.typ, Time: now, Data: tt.data}, tt.data)
		if ok != tt.ok {
			t.Fatalf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if n.Target != tt.target || !strings.Contains(n.Text, tt.text) {
			t.Fatalf("%s: got %+v %q", tt.name, n.Target, n.Text)
		}
		if tt.typ != reminder.EventRestored && !strings.Contains(n.Text, "tg://user?id=42") {
			t.Fatalf("%s: text lacks mention: %q", tt.name, n.Text)
		}
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	out := &captured{}
	a := New(Config{Finished: true}, bus, out, logx.Nop())

	key := reminder.Key{Scope: -1, Subject: 5, Kind: "summon"}
	chat := delivery.Target{ChatID: -1}.Encode()
	// Published before Run starts; the subscription from New buffers it.
	bus.Publish(eventbus.Event{Type: reminder.EventFired, Data: reminder.EventData{Key: key, Context: chat}})
	bus.Publish(eventbus.Event{Type: "notifier.sent", Data: reminder.EventData{Key: key, Context: chat}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(out.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := out.all()
	if len(got) != 1 {
		t.Fatalf("forwarded %d notices, want 1", len(got))
	}
	for _, n := range got {
		if n.Channel != reminder.EventFired {
			t.Fatalf("unexpected notice %+v", n)
		}
	}
}
