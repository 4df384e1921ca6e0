// Package commands holds the bot's chat commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/daily"
	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/hightier"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/subscription"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	"github.com/Lunaria-Bot/MemAssistant/internal/transport/telegram/router"
)

type Deps struct {
	Reminders *reminder.Service
	Subs      *subscription.Service
	// A nil Daily leaves the daily commands out. The app always sets it, so
	// they stay usable while the scheduled run is disabled.
	Daily *daily.Service
	// A nil HighTier leaves the high-tier commands out.
	HighTier *hightier.Service
	Members  kit.MemberLookup
	Now      func() time.Time
}

// Help sections.
const (
	sectionReminders    = "Reminders"
	sectionSubscription = "Subscription"
	sectionDaily        = "Daily"
	sectionHighTier     = "High tier"
	sectionAdmin        = "Admin"
)

type handlers struct {
	Deps
}

// Build returns the command set.
func Build(d Deps) []router.Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	cmds := []router.Command{
		{
			Route:       "reminders",
			Section:     sectionReminders,
			Description: "list running reminders in this chat",
			Usage:       "/reminders",
			GroupOnly:   true,
			Subscribed:  true,
			Handle:      h.reminders,
		},
		{
			Route:       "cancel",
			Section:     sectionReminders,
			Description: "stop one of your reminders",
			Usage:       "/cancel <kind> [user_id]",
			GroupOnly:   true,
			Handle:      h.cancel,
		},
		{
			Route:       "subscription",
			Section:     sectionSubscription,
			Aliases:     []string{"sub"},
			Description: "show this chat's subscription",
			Usage:       "/subscription",
			GroupOnly:   true,
			Handle:      h.subscription,
		},
		{
			Route:       "activate",
			Section:     sectionSubscription,
			Description: "redeem an activation code for this chat",
			Usage:       "/activate <code>",
			Access:      router.AccessAdmin,
			GroupOnly:   true,
			Handle:      h.activate,
		},
		{
			Route:       "gencode",
			Section:     sectionSubscription,
			Description: "create an activation code",
			Usage:       "/gencode <duration> <chat_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.gencode,
		},
		{
			Route:       "expire",
			Section:     sectionSubscription,
			Description: "end a chat's subscription now",
			Usage:       "/expire <chat_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.expire,
		},
		{
			Route:       "schedules",
			Section:     sectionAdmin,
			Description: "show scheduler state",
			Usage:       "/schedules",
			Access:      router.AccessOwnerOnly,
			Handle:      h.schedules,
		},
		{
			Route:       "schedules sweep",
			Section:     sectionAdmin,
			Description: "delete stale schedule records now",
			Usage:       "/schedules sweep",
			Access:      router.AccessOwnerOnly,
			Handle:      h.sweep,
		},
	}
	if d.Daily != nil {
		cmds = append(cmds,
			router.Command{
				Route:       "daily",
				Section:     sectionDaily,
				Aliases:     []string{"toggle-daily"},
				Description: "turn your daily reminder on or off",
				Usage:       "/daily",
				GroupOnly:   true,
				Subscribed:  true,
				Handle:      h.toggleDaily,
			},
			router.Command{
				Route:       "dailylist",
				Section:     sectionDaily,
				Aliases:     []string{"daily-list", "list-daily"},
				Description: "list daily reminder subscribers",
				Usage:       "/dailylist",
				Access:      router.AccessAdmin,
				GroupOnly:   true,
				Handle:      h.dailyList,
			},
			router.Command{
				Route:       "dailydebug",
				Section:     sectionDaily,
				Aliases:     []string{"daily-debug"},
				Description: "check whether you get the daily reminder",
				Usage:       "/dailydebug",
				GroupOnly:   true,
				Handle:      h.dailyDebug,
			},
			router.Command{
				Route:       "setdailylog",
				Section:     sectionDaily,
				Aliases:     []string{"set-daily-log-channel"},
				Description: "choose where daily delivery logs go",
				Usage:       "/setdailylog [here|off|<chat_id> [thread_id]]",
				Access:      router.AccessAdmin,
				GroupOnly:   true,
				Handle:      h.setDailyLog,
			},
		)
	}
	if d.HighTier != nil {
		cmds = append(cmds,
			router.Command{
				Route:       "hightier",
				Section:     sectionHighTier,
				Aliases:     []string{"high-tier"},
				Description: "get pinged when a rare card spawns",
				Usage:       "/hightier",
				GroupOnly:   true,
				Handle:      h.highTierJoin,
			},
			router.Command{
				Route:       "hightier remove",
				Section:     sectionHighTier,
				Aliases:     []string{"high-tier-remove"},
				Description: "stop rare spawn pings",
				Usage:       "/hightier remove",
				GroupOnly:   true,
				Handle:      h.highTierLeave,
			},
			router.Command{
				Route:       "hightier list",
				Section:     sectionHighTier,
				Description: "list members who get rare spawn pings",
				Usage:       "/hightier list",
				Access:      router.AccessAdmin,
				GroupOnly:   true,
				Handle:      h.highTierList,
			},
			router.Command{
				Route:       "sethightier",
				Section:     sectionHighTier,
				Aliases:     []string{"set-high-tier-role"},
				Description: "turn rare spawn pings on or off for this chat",
				Usage:       "/sethightier [on|off]",
				Access:      router.AccessAdmin,
				GroupOnly:   true,
				Handle:      h.setHighTier,
			},
		)
	}
	return cmds
}

func (h *handlers) reminders(ctx context.Context, req *router.Request) error {
	recs, err := h.Reminders.ActiveByScope(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	now := h.Now()
	live := recs[:0]
	for _, r := range recs {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return req.Reply(ctx, "📭 No reminders are running in this chat.")
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ExpireAt.Before(live[j].ExpireAt) })

	lines := []string{fmt.Sprintf("⏳ <b>Running reminders</b> (%d)", len(live))}
	for _, r := range live {
		name := ""
		if tgt, err := delivery.DecodeTarget(r.Context); err == nil {
			name = tgt.Name
		}
		lines = append(lines, fmt.Sprintf("• <b>%s</b> for %s: %s left",
			html.EscapeString(r.Key.Kind), delivery.Mention(r.Key.Subject, name), formatLeft(r.ExpireAt.Sub(now))))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) cancel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf("Usage: /cancel <kind> [user_id]")
	}
	subject := req.FromID
	if len(req.Args) > 1 {
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return router.Userf("Invalid user id %q.", req.Args[1])
		}
		if id != req.FromID {
			if err := h.requireAdmin(ctx, req); err != nil {
				return err
			}
		}
		subject = id
	}
	key := reminder.Key{Scope: req.Chat.ChatID, Subject: subject, Kind: strings.TrimSpace(req.Args[0])}
	stopped, err := h.Reminders.Cancel(ctx, key)
	if err != nil {
		return err
	}
	if !stopped {
		return req.Reply(ctx, fmt.Sprintf("📭 No running <b>%s</b> reminder to stop.", html.EscapeString(key.Kind)))
	}
	return req.Reply(ctx, fmt.Sprintf("🛑 <b>%s</b> reminder stopped for %s.", html.EscapeString(key.Kind), delivery.Mention(subject, "")))
}

func (h *handlers) requireAdmin(ctx context.Context, req *router.Request) error {
	if req.Owner {
		return nil
	}
	if h.Members == nil {
		return router.Userf("🔒 Only chat administrators can do that.")
	}
	st, err := h.Members.MemberStatus(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		return err
	}
	if !st.Admin() {
		return router.Userf("🔒 Only chat administrators can do that.")
	}
	return nil
}

func (h *handlers) subscription(ctx context.Context, req *router.Request) error {
	st, err := h.Subs.Status(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if !st.Active {
		return req.Reply(ctx, "❌ This chat has no active subscription.")
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Subscription active until <b>%s</b> (%s left).",
		st.ExpireAt.UTC().Format("2006-01-02 15:04 MST"), formatLeft(st.Remaining(h.Now()))))
}

func (h *handlers) activate(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Userf("Usage: /activate <code>")
	}
	st, err := h.Subs.Activate(ctx, req.Chat.ChatID, req.Args[0])
	switch {
	case errors.Is(err, subscription.ErrInvalidCode):
		return router.Userf("❌ Invalid activation code.")
	case errors.Is(err, subscription.ErrWrongScope):
		return router.Userf("❌ This code belongs to another chat.")
	case errors.Is(err, subscription.ErrCodeExpired):
		return router.Userf("⌛ This code has expired.")
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Subscription activated until <b>%s</b>.", st.ExpireAt.UTC().Format("2006-01-02 15:04 MST")))
}

func (h *handlers) gencode(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return router.Userf("Usage: /gencode <duration> <chat_id>")
	}
	ttl, err := subscription.ParseDuration(req.Args[0])
	if err != nil {
		return router.Userf("Invalid duration %q. Use e.g. 30d, 12h, 45m or seconds.", req.Args[0])
	}
	scope, err := parseChatID(req.Args[1])
	if err != nil {
		return err
	}
	c, err := h.Subs.GenerateCode(ctx, scope, ttl, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🔑 Code <code>%s</code> for chat <code>%d</code>, valid until %s.\nRedeem it there with <code>/activate %s</code>.",
		c.Code, c.Scope, c.ExpireAt.UTC().Format("2006-01-02 15:04 MST"), c.Code))
}

func (h *handlers) expire(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Userf("Usage: /expire <chat_id>")
	}
	scope, err := parseChatID(req.Args[0])
	if err != nil {
		return err
	}
	if err := h.Subs.ForceExpire(ctx, scope); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Subscription for chat <code>%d</code> expired.", scope))
}

func (h *handlers) schedules(ctx context.Context, req *router.Request) error {
	timers := h.Reminders.Timers()
	byKind := map[string]int{}
	for _, t := range timers {
		byKind[t.Key.Kind]++
	}
	lines := []string{fmt.Sprintf("🗓 <b>Live countdowns</b>: %d", len(timers))}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		lines = append(lines, fmt.Sprintf("• %s: %d", html.EscapeString(k), byKind[k]))
	}
	if len(timers) > 0 {
		lines = append(lines, "Next fire in "+formatLeft(timers[0].Deadline.Sub(h.Now())))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) sweep(ctx context.Context, req *router.Request) error {
	n, err := h.Reminders.Sweep(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🧹 Swept %d stale records.", n))
}

func (h *handlers) toggleDaily(ctx context.Context, req *router.Request) error {
	on, err := h.Daily.Toggle(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		return err
	}
	if on {
		return req.Reply(ctx, "✅ You will now receive daily reminders.")
	}
	return req.Reply(ctx, "❌ You will no longer receive daily reminders.")
}

func (h *handlers) dailyList(ctx context.Context, req *router.Request) error {
	ids, err := h.Daily.List(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return req.Reply(ctx, "📭 No one is currently subscribed.")
	}
	mentions := make([]string, 0, len(ids))
	for _, id := range ids {
		mentions = append(mentions, delivery.Mention(id, ""))
	}
	return req.Reply(ctx, fmt.Sprintf("👥 Subscribers (%d): %s", len(ids), strings.Join(mentions, ", ")))
}

func (h *handlers) dailyDebug(ctx context.Context, req *router.Request) error {
	ok, err := h.Daily.Subscribed(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		return err
	}
	if ok {
		return req.Reply(ctx, "✅ You are subscribed.")
	}
	return req.Reply(ctx, "❌ You are not subscribed.")
}

func (h *handlers) setDailyLog(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		cur, err := h.Daily.LogChat(ctx, req.Chat.ChatID)
		if err != nil {
			return err
		}
		if cur.ChatID == 0 {
			return req.Reply(ctx, "📭 No daily log chat is set. Use <code>/setdailylog here</code>.")
		}
		return req.Reply(ctx, fmt.Sprintf("📒 Daily logs go to %s.", describeTarget(cur)))
	}
	var to kit.ChatTarget
	switch strings.ToLower(req.Args[0]) {
	case "here":
		to = req.Chat
	case "off", "none":
	default:
		id, err := parseChatID(req.Args[0])
		if err != nil {
			return err
		}
		to.ChatID = id
		if len(req.Args) > 1 {
			th, err := strconv.Atoi(req.Args[1])
			if err != nil || th < 0 {
				return router.Userf("Invalid thread id %q.", req.Args[1])
			}
			to.ThreadID = th
		}
	}
	if err := h.Daily.SetLogChat(ctx, req.Chat.ChatID, to.ChatID, to.ThreadID); err != nil {
		return err
	}
	if to.ChatID == 0 {
		return req.Reply(ctx, "🚫 Daily logs turned off.")
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Log channel set to %s.", describeTarget(to)))
}

func describeTarget(t kit.ChatTarget) string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("chat <code>%d</code>, topic <code>%d</code>", t.ChatID, t.ThreadID)
	}
	return fmt.Sprintf("chat <code>%d</code>", t.ChatID)
}

var errHighTierOff = router.Userf("❌ High Tier pings are not set up in this chat. An admin can turn them on with /sethightier on.")

func (h *handlers) highTierJoin(ctx context.Context, req *router.Request) error {
	added, err := h.HighTier.Join(ctx, req.Chat.ChatID, req.FromID)
	switch {
	case errors.Is(err, hightier.ErrNotConfigured):
		return errHighTierOff
	case err != nil:
		return err
	case !added:
		return req.Reply(ctx, "✅ You are already on the High Tier list.")
	}
	return req.Reply(ctx, "✅ You're on the High Tier list. You will be pinged when a rare card spawns.")
}

func (h *handlers) highTierLeave(ctx context.Context, req *router.Request) error {
	removed, err := h.HighTier.Leave(ctx, req.Chat.ChatID, req.FromID)
	switch {
	case errors.Is(err, hightier.ErrNotConfigured):
		return errHighTierOff
	case err != nil:
		return err
	case !removed:
		return req.Reply(ctx, "ℹ️ You are not on the High Tier list.")
	}
	return req.Reply(ctx, "✅ You left the High Tier list. You will no longer be notified.")
}

func (h *handlers) highTierList(ctx context.Context, req *router.Request) error {
	ids, err := h.HighTier.Members(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return req.Reply(ctx, "📭 No one is on the High Tier list.")
	}
	mentions := make([]string, 0, len(ids))
	for _, id := range ids {
		mentions = append(mentions, delivery.Mention(id, ""))
	}
	return req.Reply(ctx, fmt.Sprintf("🌸 High Tier members (%d): %s", len(ids), strings.Join(mentions, ", ")))
}

func (h *handlers) setHighTier(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		on, err := h.HighTier.Enabled(ctx, req.Chat.ChatID)
		if err != nil {
			return err
		}
		if on {
			return req.Reply(ctx, "🌸 High Tier pings are on in this chat.")
		}
		return req.Reply(ctx, "🚫 High Tier pings are off in this chat.")
	}
	var on bool
	switch strings.ToLower(req.Args[0]) {
	case "on", "enable", "yes":
		on = true
	case "off", "disable", "no":
	default:
		return router.Userf("Usage: /sethightier [on|off]")
	}
	if err := h.HighTier.Configure(ctx, req.Chat.ChatID, on); err != nil {
		return err
	}
	if on {
		return req.Reply(ctx, "✅ High Tier pings enabled. Members opt in with /hightier.")
	}
	return req.Reply(ctx, "🚫 High Tier pings disabled for this chat.")
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, router.Userf("Invalid chat id %q.", s)
	}
	return id, nil
}

// formatLeft renders d as "2d 3h", "3h 12m", "12m" or "<1m".
func formatLeft(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	mins := (d - hours*time.Hour) / time.Minute
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
