package hightier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

const gameBot = 777

type sent struct {
	to   kit.ChatTarget
	text string
}

type recorder struct {
	mu    sync.Mutex
	sends []sent
	notes []kit.Notification
}

func (r *recorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recorder) Notify(_ context.Context, n kit.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func edited(chat int64, id int, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateEdited, Message: &kit.Message{
		ID: id, ChatID: chat, ChatTitle: "Garden", ThreadID: 4, FromID: gameBot, FromIsBot: true, Text: text, IsGroup: true,
	}}
}

type fixture struct {
	svc   *Service
	store storage.Store
	rec   *recorder
}

func newFixture(t *testing.T, cfg Config, active bool) fixture {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	rec := &recorder{}
	gate := reminder.GateFunc(func(context.Context, int64) (bool, error) { return active, nil })
	svc, err := New(cfg, store, gate, rec, rec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{svc: svc, store: store, rec: rec}
}

func TestHandlePingsOptedInMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Enabled: true, FromUserID: gameBot}, true)

	if _, err := f.svc.Join(ctx, -100, 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Join before configure: %v, want ErrNotConfigured", err)
	}
	if err := f.svc.Configure(ctx, -100, true); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for _, id := range []int64{5, 6} {
		if added, err := f.svc.Join(ctx, -100, id); err != nil || !added {
			t.Fatalf("Join(%d) = %v, %v", id, added, err)
		}
	}
	if added, _ := f.svc.Join(ctx, -100, 5); added {
		t.Fatalf("second Join reported added")
	}

	res := f.svc.Handle(ctx, edited(-100, 1, "Auto Summon\nSR card and SSR card appeared"))
	if res.Rarity != "SSR" || res.Pinged != 2 || res.Inactive || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	if len(f.rec.sends) != 1 {
		t.Fatalf("sends = %+v", f.rec.sends)
	}
	got := f.rec.sends[0]
	if got.to != (kit.ChatTarget{ChatID: -100, ThreadID: 4}) {
		t.Fatalf("ping target = %+v", got.to)
	}
	for _, want := range []string{"🌸 <b>SSR</b> has summoned, claim it!", "🔥", "tg://user?id=5", "tg://user?id=6"} {
		if !strings.Contains(got.text, want) {
			t.Fatalf("ping %q lacks %q", got.text, want)
		}
	}

	if again := f.svc.Handle(ctx, edited(-100, 1, "Auto Summon\nSSR")); !again.Duplicate || again.Pinged != 0 {
		t.Fatalf("repeat edit = %+v", again)
	}
	if left, _ := f.svc.Leave(ctx, -100, 6); !left {
		t.Fatalf("Leave reported no change")
	}
	if ids, _ := f.svc.Members(ctx, -100); len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("members = %v", ids)
	}
}

func TestHandleInactiveChatGetsNotice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Enabled: true}, false)
	_ = f.svc.Configure(ctx, -100, true)
	_, _ = f.svc.Join(ctx, -100, 5)

	res := f.svc.Handle(ctx, edited(-100, 2, "auto summon: UR"))
	if !res.Inactive || res.Pinged != 0 || res.Rarity != "UR" {
		t.Fatalf("result = %+v", res)
	}
	if len(f.rec.sends) != 0 || len(f.rec.notes) != 1 {
		t.Fatalf("sends=%v notes=%v", f.rec.sends, f.rec.notes)
	}
	if n := f.rec.notes[0]; n.Text != InactiveNotice || n.Target.ChatID != -100 {
		t.Fatalf("notice = %+v", n)
	}
}

func TestHandleIgnores(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		up   kit.Update
	}{
		{"disabled", Config{}, edited(-100, 1, "auto summon SR")},
		{"new message", Config{Enabled: true}, kit.Update{Kind: kit.UpdateMessage, Message: edited(-100, 1, "auto summon SR").Message}},
		{"other author", Config{Enabled: true, FromUserID: 1}, edited(-100, 1, "auto summon SR")},
		{"no rarity", Config{Enabled: true}, edited(-100, 1, "auto summon R")},
		{"no summon", Config{Enabled: true}, edited(-100, 1, "UR pulled from a pack")},
		{"private chat", Config{Enabled: true}, kit.Update{Kind: kit.UpdateEdited, Message: &kit.Message{ChatID: 5, Text: "auto summon UR", Private: true}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.cfg, true)
			_ = f.svc.Configure(context.Background(), -100, true)
			_, _ = f.svc.Join(context.Background(), -100, 5)
			res := f.svc.Handle(context.Background(), tt.up)
			if res.Pinged != 0 || res.Forwarded || len(f.rec.sends) != 0 || len(f.rec.notes) != 0 {
				t.Fatalf("result = %+v sends=%v notes=%v", res, f.rec.sends, f.rec.notes)
			}
		})
	}
}

func TestHandleForwardsClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Enabled: true, OnNew: true, ForwardChatID: -900, ForwardThreadID: 2}, true)

	up := edited(-1001234, 55, "Summon Claimed by <b>Ann</b>: UR")
	up.Kind = kit.UpdateMessage
	res := f.svc.Handle(ctx, up)
	if !res.Forwarded || res.Pinged != 0 || res.Rarity != "UR" {
		t.Fatalf("result = %+v", res)
	}
	if len(f.rec.notes) != 1 {
		t.Fatalf("notes = %+v", f.rec.notes)
	}
	n := f.rec.notes[0]
	if n.Target != (kit.ChatTarget{ChatID: -900, ThreadID: 2}) {
		t.Fatalf("forward target = %+v", n.Target)
	}
	for _, want := range []string{"High Tier Claim Detected", "Rarity: UR", "Source Server: Garden", "https://t.me/c/1234/55", "&lt;b&gt;Ann&lt;/b&gt;"} {
		if !strings.Contains(n.Text, want) {
			t.Fatalf("forward %q lacks %q", n.Text, want)
		}
	}

	// A forward chat never forwards to itself.
	if res := f.svc.Handle(ctx, edited(-900, 1, "summon claimed SR")); res.Forwarded {
		t.Fatalf("self forward = %+v", res)
	}
}

func TestCleanupExpiresDedup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true, DedupTTL: time.Hour}, false)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	ctx := context.Background()
	if res := f.svc.Handle(ctx, edited(-100, 1, "auto summon SR")); res.Duplicate {
		t.Fatalf("first = %+v", res)
	}
	now = now.Add(30 * time.Minute)
	if left := f.svc.Cleanup(); left != 1 {
		t.Fatalf("Cleanup kept %d, want 1", left)
	}
	now = now.Add(time.Hour)
	if left := f.svc.Cleanup(); left != 0 {
		t.Fatalf("Cleanup kept %d, want 0", left)
	}
	if res := f.svc.Handle(ctx, edited(-100, 1, "auto summon SR")); res.Duplicate {
		t.Fatalf("after expiry = %+v", res)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"bad spawn", Config{Spawn: "("}, false},
		{"bad rarity", Config{Rarities: []Rarity{{Name: "X", Match: "["}}}, false},
		{"unnamed rarity", Config{Rarities: []Rarity{{Match: "x"}}}, false},
		{"duplicate rarity", Config{Rarities: []Rarity{{Name: "X", Match: "x"}, {Name: "X", Match: "y"}}}, false},
		{"custom", Config{Rarities: []Rarity{{Name: "LR", Match: "legend", Priority: 9, Emoji: "👑"}}}, true},
	}
	for _, tt := range tests {
		if err := Validate(tt.cfg); (err == nil) != tt.ok {
			t.Fatalf("%s: Validate = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}
