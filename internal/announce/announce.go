// Package announce turns reminder lifecycle events into chat notices: a
// start line when a countdown is armed, a finish line once it ends, a
// denial when the chat has no subscription, and a restore checklist in the
// ops chat after a restart.
package announce

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type Config struct {
	Started  bool
	Finished bool
	Denied   bool
	// ChatID receives restore checklists. 0 disables them.
	ChatID int64
}

// Notifier is the subset of notifier.Service used here.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Announcer struct {
	bus eventbus.Bus
	out Notifier
	log logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	mu  sync.RWMutex
	cfg Config
}

// New subscribes right away so events published before Run, such as the
// restore summary, are buffered rather than lost.
func New(cfg Config, bus eventbus.Bus, out Notifier, log logx.Logger) *Announcer {
	ch, unsub := bus.Subscribe(256, "reminder.")
	return &Announcer{bus: bus, out: out, log: log, cfg: cfg, events: ch, unsub: unsub}
}

func (a *Announcer) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *Announcer) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Run consumes reminder events until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	defer a.unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-a.events:
			if !ok {
				return nil
			}
			a.handle(ctx, e)
		}
	}
}

func (a *Announcer) handle(ctx context.Context, e eventbus.Event) {
	data, ok := e.Data.(reminder.EventData)
	if !ok {
		return
	}
	n, ok := a.render(a.config(), e, data)
	if !ok {
		return
	}
	if err := a.out.Notify(ctx, n); err != nil {
		a.log.Debug("announce dropped", logx.String("event", e.Type), logx.Err(err))
	}
}

func (a *Announcer) render(cfg Config, e eventbus.Event, d reminder.EventData) (kit.Notification, bool) {
	n := kit.Notification{Channel: e.Type, Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}}

	if e.Type == reminder.EventRestored {
		if cfg.ChatID == 0 {
			return n, false
		}
		r := d.Report
		n.Target = kit.ChatTarget{ChatID: cfg.ChatID}
		n.Text = fmt.Sprintf("📋 Checklist: %d reminders restored after restart (%d expired, %d unresolvable)",
			r.Restored, r.Expired, r.Unresolvable)
		return n, true
	}

	var want bool
	switch e.Type {
	case reminder.EventArmed:
		want = cfg.Started
	case reminder.EventFired, reminder.EventSkipped, reminder.EventFailed:
		want = cfg.Finished
	case reminder.EventDenied:
		want = cfg.Denied
	}
	if !want {
		return n, false
	}
	tgt, err := delivery.DecodeTarget(d.Context)
	if err != nil || tgt.Direct {
		return n, false
	}
	n.Target = kit.ChatTarget{ChatID: tgt.ChatID, ThreadID: tgt.ThreadID}
	who := delivery.Mention(d.Key.Subject, tgt.Name)

	switch e.Type {
	case reminder.EventArmed:
		n.Text = fmt.Sprintf("▶️ <b>Reminder</b> started for %s - next availability in %d minutes", who, minutesUntil(e.Time, d.ExpireAt))
	case reminder.EventFired:
		n.Text = fmt.Sprintf("⏹️ <b>Reminder</b> finished for %s.", who)
	case reminder.EventSkipped:
		n.Text = fmt.Sprintf("⏹️ <b>Reminder</b> finished for %s (not sent: subscription inactive).", who)
	case reminder.EventFailed:
		n.Text = fmt.Sprintf("⏹️ <b>Reminder</b> finished for %s (delivery failed).", who)
	case reminder.EventDenied:
		n.Text = fmt.Sprintf("🚫 <b>Reminder</b> - action denied for %s\n🔒 Subscription inactive or expired.", who)
	}
	return n, true
}

func minutesUntil(from, to time.Time) int {
	if from.IsZero() {
		from = time.Now()
	}
	return int(math.Ceil(to.Sub(from).Minutes()))
}
