// Package delivery sends fired reminders through the chat transport.
//
// Each fire is one send attempt. Failures are returned to the scheduler,
// which logs them; nothing here retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"golang.org/x/time/rate"
)

// DefaultMessage is used when a kind has no message configured.
const DefaultMessage = "⏰ {mention}, your reminder is due!"

type Config struct {
	SendTimeout time.Duration
	// RatePerSec caps outgoing reminder sends. 0 means 20/s.
	RatePerSec float64
	Burst      int
}

type Dispatcher struct {
	sender  kit.Sender
	members kit.MemberLookup
	lim     *rate.Limiter
	timeout time.Duration
	log     logx.Logger
}

// New returns a dispatcher. members may be nil, in which case Resolve only
// validates the stored context.
func New(cfg Config, sender kit.Sender, members kit.MemberLookup, log logx.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &Dispatcher{
		sender:  sender,
		members: members,
		lim:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		timeout: cfg.SendTimeout,
		log:     log,
	}
}

func (d *Dispatcher) Deliver(ctx context.Context, del reminder.Delivery) error {
	tgt, err := DecodeTarget(del.Context)
	if err != nil {
		return err
	}
	to := kit.ChatTarget{ChatID: tgt.ChatID, ThreadID: tgt.ThreadID}
	if tgt.Direct {
		to = kit.ChatTarget{ChatID: del.Key.Subject}
	}
	if err := d.lim.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	text := Render(del.Payload, del.Key.Subject, tgt.Name, del.Key.Kind)
	if _, err := d.sender.SendText(sctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		return fmt.Errorf("send to %d: %w", to.ChatID, err)
	}
	d.log.Debug("reminder delivered", logx.String("key", del.Key.String()), logx.Int64("chat_id", to.ChatID))
	return nil
}

// Resolve reports reminder.ErrSubjectUnresolvable when the stored context is
// unusable, the chat is gone or the subject left it. Lookup failures are
// returned as-is so the record survives a flaky network at startup.
func (d *Dispatcher) Resolve(ctx context.Context, r reminder.Record) error {
	if _, err := DecodeTarget(r.Context); err != nil {
		return fmt.Errorf("%w: %v", reminder.ErrSubjectUnresolvable, err)
	}
	if d.members == nil {
		return nil
	}
	st, err := d.members.MemberStatus(ctx, r.Key.Scope, r.Key.Subject)
	switch {
	case errors.Is(err, kit.ErrChatNotFound):
		return fmt.Errorf("%w: chat %d not found", reminder.ErrSubjectUnresolvable, r.Key.Scope)
	case err != nil:
		return err
	case !st.Present():
		return fmt.Errorf("%w: user %d is %s", reminder.ErrSubjectUnresolvable, r.Key.Subject, st)
	}
	return nil
}

// Render fills {mention} with an HTML link to the subject, {user_id} with
// the raw id and {kind} with the reminder kind.
func Render(tmpl string, subject int64, name, kind string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultMessage
	}
	return strings.NewReplacer(
		"{mention}", Mention(subject, name),
		"{user_id}", strconv.FormatInt(subject, 10),
		"{kind}", html.EscapeString(kind),
	).Replace(tmpl)
}

// Mention returns an HTML user link.
func Mention(userID int64, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "user " + strconv.FormatInt(userID, 10)
	}
	return `<a href="tg://user?id=` + strconv.FormatInt(userID, 10) + `">` + html.EscapeString(name) + `</a>`
}
