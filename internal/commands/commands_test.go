package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/daily"
	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/hightier"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	"github.com/Lunaria-Bot/MemAssistant/internal/subscription"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	"github.com/Lunaria-Bot/MemAssistant/internal/transport/telegram/router"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

const chat = int64(-100)

type replies struct {
	mu   sync.Mutex
	text []string
}

func (r *replies) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.text = append(r.text, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.text) == 0 {
		return ""
	}
	return r.text[len(r.text)-1]
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, kit.Notification) error { return nil }

type members map[int64]kit.MemberStatus

func (m members) MemberStatus(_ context.Context, _, userID int64) (kit.MemberStatus, error) {
	return m[userID], nil
}

type env struct {
	out  *replies
	rem  *reminder.Service
	subs *subscription.Service
	cmds map[string]router.Command
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	subs := subscription.New(store, logx.Nop())
	rem := reminder.New(reminder.Config{SweepInterval: time.Hour}, reminder.Deps{
		Store:      store,
		Gate:       subs,
		Dispatcher: reminder.DispatcherFunc(func(context.Context, reminder.Delivery) error { return nil }),
	})
	if _, err := rem.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = rem.Stop(context.Background()) })

	ht, err := hightier.New(hightier.Config{Enabled: true}, store, subs, nopNotifier{}, &replies{}, logx.Nop())
	if err != nil {
		t.Fatalf("hightier.New: %v", err)
	}

	e := &env{out: &replies{}, rem: rem, subs: subs, cmds: map[string]router.Command{}}
	for _, c := range Build(Deps{
		Reminders: rem,
		Subs:      subs,
		Daily:     daily.New(daily.Config{}, store, subs, nil, nil, logx.Nop()),
		HighTier:  ht,
		Members:   members{1: kit.MemberAdmin, 2: kit.MemberRegular},
	}) {
		e.cmds[c.Route] = c
	}
	return e
}

// run calls the handler directly; routing and access checks are covered by
// the router's own tests.
func (e *env) run(t *testing.T, route string, from int64, owner bool, args ...string) error {
	t.Helper()
	c, ok := e.cmds[route]
	if !ok {
		t.Fatalf("no command %q", route)
	}
	req := &router.Request{Chat: kit.ChatTarget{ChatID: chat}, FromID: from, Owner: owner, Args: args, Sender: e.out, Command: route}
	return c.Handle(context.Background(), req)
}

func (e *env) activate(t *testing.T) {
	t.Helper()
	if err := e.run(t, "gencode", 99, true, "30d", "-100"); err != nil {
		t.Fatalf("gencode: %v", err)
	}
	reply := e.out.last()
	i := strings.Index(reply, "/activate ")
	if i < 0 {
		t.Fatalf("gencode reply has no code: %q", reply)
	}
	code := strings.TrimSuffix(reply[i+len("/activate "):], "</code>.")
	if err := e.run(t, "activate", 1, false, code); err != nil {
		t.Fatalf("activate %q: %v", code, err)
	}
	if !strings.Contains(e.out.last(), "Subscription activated") {
		t.Fatalf("activate reply = %q", e.out.last())
	}
}

func userMsg(err error) string {
	if ue, ok := err.(*router.UserError); ok {
		return ue.Msg
	}
	return ""
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_ = e.run(t, "subscription", 2, false)
	if !strings.Contains(e.out.last(), "no active subscription") {
		t.Fatalf("status before = %q", e.out.last())
	}
	if err := e.run(t, "activate", 1, false, "deadbeefdeadbeef"); !strings.Contains(userMsg(err), "Invalid activation code") {
		t.Fatalf("unknown code err = %v", err)
	}

	e.activate(t)
	_ = e.run(t, "subscription", 2, false)
	if !strings.Contains(e.out.last(), "Subscription active until") {
		t.Fatalf("status after = %q", e.out.last())
	}

	if err := e.run(t, "expire", 99, true, "-100"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if ok, _ := e.subs.IsEligible(context.Background(), chat); ok {
		t.Fatalf("chat still eligible after expire")
	}
}

func TestGencodeValidatesArgs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tests := []struct {
		args []string
		want string
	}{
		{nil, "Usage"},
		{[]string{"soon", "-100"}, "Invalid duration"},
		{[]string{"7d", "chat"}, "Invalid chat id"},
		{[]string{"7d", "0"}, "Invalid chat id"},
	}
	for _, tt := range tests {
		if err := e.run(t, "gencode", 99, true, tt.args...); !strings.Contains(userMsg(err), tt.want) {
			t.Fatalf("gencode %q = %v, want %q", tt.args, err, tt.want)
		}
	}
}

func TestRemindersAndCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.activate(t)
	ctx := context.Background()

	_ = e.run(t, "reminders", 2, false)
	if !strings.Contains(e.out.last(), "No reminders") {
		t.Fatalf("empty list = %q", e.out.last())
	}

	tgt := delivery.Target{ChatID: chat, Name: "Ann"}.Encode()
	for _, subject := range []int64{2, 3} {
		res, err := e.rem.Arm(ctx, reminder.Trigger{Scope: chat, Subject: subject, Kind: "summon", Context: tgt, Cooldown: time.Hour})
		if err != nil || res.Status != reminder.Armed {
			t.Fatalf("Arm(%d) = %+v, %v", subject, res, err)
		}
	}
	_ = e.run(t, "reminders", 2, false)
	if got := e.out.last(); !strings.Contains(got, "(2)") || !strings.Contains(got, "Ann") {
		t.Fatalf("list = %q", got)
	}

	// Regular members may only stop their own reminders.
	if err := e.run(t, "cancel", 2, false, "summon", "3"); !strings.Contains(userMsg(err), "administrators") {
		t.Fatalf("cancel other as member = %v", err)
	}
	if err := e.run(t, "cancel", 2, false, "summon"); err != nil {
		t.Fatalf("cancel own: %v", err)
	}
	if e.rem.Active(reminder.Key{Scope: chat, Subject: 2, Kind: "summon"}) {
		t.Fatalf("own reminder still running")
	}
	if err := e.run(t, "cancel", 1, false, "summon", "3"); err != nil {
		t.Fatalf("cancel other as admin: %v", err)
	}
	if !strings.Contains(e.out.last(), "stopped") {
		t.Fatalf("cancel reply = %q", e.out.last())
	}
	_ = e.run(t, "cancel", 1, false, "summon", "3")
	if !strings.Contains(e.out.last(), "No running") {
		t.Fatalf("second cancel reply = %q", e.out.last())
	}
}

func TestDailyToggleAndList(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_ = e.run(t, "dailylist", 1, false)
	if e.out.last() != "📭 No one is currently subscribed." {
		t.Fatalf("empty list = %q", e.out.last())
	}
	_ = e.run(t, "daily", 2, false)
	if e.out.last() != "✅ You will now receive daily reminders." {
		t.Fatalf("toggle on = %q", e.out.last())
	}
	_ = e.run(t, "dailylist", 1, false)
	if !strings.HasPrefix(e.out.last(), "👥 Subscribers (1): ") || !strings.Contains(e.out.last(), "id=2") {
		t.Fatalf("list = %q", e.out.last())
	}
	_ = e.run(t, "daily", 2, false)
	if e.out.last() != "❌ You will no longer receive daily reminders." {
		t.Fatalf("toggle off = %q", e.out.last())
	}
}

func TestDailyDebugAndLogChat(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_ = e.run(t, "dailydebug", 2, false)
	if e.out.last() != "❌ You are not subscribed." {
		t.Fatalf("debug before = %q", e.out.last())
	}
	_ = e.run(t, "daily", 2, false)
	_ = e.run(t, "dailydebug", 2, false)
	if e.out.last() != "✅ You are subscribed." {
		t.Fatalf("debug after = %q", e.out.last())
	}

	tests := []struct {
		args []string
		want string
	}{
		{nil, "No daily log chat"},
		{[]string{"-500", "7"}, "chat <code>-500</code>, topic <code>7</code>"},
		{nil, "Daily logs go to chat <code>-500</code>, topic <code>7</code>"},
		{[]string{"here"}, "Log channel set to chat <code>-100</code>"},
		{[]string{"off"}, "turned off"},
		{nil, "No daily log chat"},
	}
	for _, tt := range tests {
		if err := e.run(t, "setdailylog", 1, false, tt.args...); err != nil {
			t.Fatalf("setdailylog %q: %v", tt.args, err)
		}
		if !strings.Contains(e.out.last(), tt.want) {
			t.Fatalf("setdailylog %q = %q, want %q", tt.args, e.out.last(), tt.want)
		}
	}
	if err := e.run(t, "setdailylog", 1, false, "-500", "x"); !strings.Contains(userMsg(err), "Invalid thread id") {
		t.Fatalf("bad thread err = %v", err)
	}
}

func TestHighTierOptIn(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if err := e.run(t, "hightier", 2, false); !strings.Contains(userMsg(err), "not set up") {
		t.Fatalf("join before setup = %v", err)
	}
	if err := e.run(t, "sethightier", 1, false, "maybe"); !strings.Contains(userMsg(err), "Usage") {
		t.Fatalf("bad arg = %v", err)
	}
	_ = e.run(t, "sethightier", 1, false, "on")
	if !strings.Contains(e.out.last(), "enabled") {
		t.Fatalf("enable reply = %q", e.out.last())
	}
	_ = e.run(t, "sethightier", 1, false)
	if !strings.Contains(e.out.last(), "are on") {
		t.Fatalf("state reply = %q", e.out.last())
	}

	_ = e.run(t, "hightier", 2, false)
	if !strings.Contains(e.out.last(), "You're on the High Tier list") {
		t.Fatalf("join reply = %q", e.out.last())
	}
	_ = e.run(t, "hightier", 2, false)
	if !strings.Contains(e.out.last(), "already") {
		t.Fatalf("second join = %q", e.out.last())
	}
	_ = e.run(t, "hightier list", 1, false)
	if !strings.Contains(e.out.last(), "(1)") || !strings.Contains(e.out.last(), "id=2") {
		t.Fatalf("list = %q", e.out.last())
	}
	_ = e.run(t, "hightier remove", 2, false)
	if !strings.Contains(e.out.last(), "left the High Tier list") {
		t.Fatalf("leave = %q", e.out.last())
	}
	_ = e.run(t, "hightier remove", 2, false)
	if !strings.Contains(e.out.last(), "not on the High Tier list") {
		t.Fatalf("second leave = %q", e.out.last())
	}
}

func TestBuildAssignsSections(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for route, c := range e.cmds {
		if c.Section == "" {
			t.Fatalf("command %q has no help section", route)
		}
	}
	for _, route := range []string{"dailydebug", "setdailylog", "hightier", "hightier remove", "hightier list", "sethightier"} {
		if _, ok := e.cmds[route]; !ok {
			t.Fatalf("command %q missing", route)
		}
	}
}

func TestFormatLeft(t *testing.T) {
	t.Parallel()
	tests := map[time.Duration]string{
		30 * time.Second:              "<1m",
		12 * time.Minute:              "12m",
		3*time.Hour + 12*time.Minute:  "3h 12m",
		50*time.Hour + 20*time.Minute: "2d 2h",
	}
	for d, want := range tests {
		if got := formatLeft(d); got != want {
			t.Fatalf("formatLeft(%v) = %q, want %q", d, got, want)
		}
	}
}
