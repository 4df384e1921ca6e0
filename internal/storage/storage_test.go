package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

func openForTest(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	m := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return openForTest(t, Config{Driver: "memory"}) },
		"file": func(t *testing.T) Store {
			return openForTest(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")})
		},
		"sqlite": func(t *testing.T) Store {
			return openForTest(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")})
		},
	}
	if dsn := os.Getenv("MEMASSISTANT_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store {
			// A unique namespace keeps runs isolated in a shared database.
			ns := "test-" + time.Now().Format("150405.000000000")
			return openForTest(t, Config{Driver: "postgres", DSN: dsn, Namespace: ns})
		}
	}
	return m
}

func rec(scope, subject int64, kind string, armed time.Time, ttl time.Duration) ScheduleRecord {
	return ScheduleRecord{
		Key:      ScheduleKey{Scope: scope, Subject: subject, Kind: kind},
		Context:  []byte(`{"chat_id":-1}`),
		ArmedAt:  armed,
		ExpireAt: armed.Add(ttl),
	}
}

func TestScheduleStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			now := time.UnixMilli(time.Now().UnixMilli())

			a := rec(-10, 1, "summon", now, 30*time.Minute)
			b := rec(-10, 2, "summon", now, -time.Minute)
			c := rec(-20, 1, "vote", now, time.Hour)
			for _, r := range []ScheduleRecord{a, b, c} {
				if err := st.UpsertSchedule(ctx, r); err != nil {
					t.Fatalf("UpsertSchedule(%s): %v", r.Key, err)
				}
			}

			// Upsert replaces wholesale instead of adding a second record.
			a2 := a
			a2.ExpireAt = now.Add(45 * time.Minute)
			if err := st.UpsertSchedule(ctx, a2); err != nil {
				t.Fatalf("UpsertSchedule replace: %v", err)
			}

			all, err := st.ListSchedules(ctx)
			if err != nil {
				t.Fatalf("ListSchedules: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("ListSchedules returned %d records, want 3", len(all))
			}
			if all[0].Key != b.Key {
				t.Fatalf("records not ordered by deadline: first = %s", all[0].Key)
			}
			for _, r := range all {
				if r.Key == a.Key && !r.ExpireAt.Equal(a2.ExpireAt) {
					t.Fatalf("replaced record expire_at = %v, want %v", r.ExpireAt, a2.ExpireAt)
				}
				if string(r.Context) != `{"chat_id":-1}` {
					t.Fatalf("context not preserved: %s", r.Context)
				}
			}

			scoped, err := st.ListSchedulesByScope(ctx, -10)
			if err != nil || len(scoped) != 2 {
				t.Fatalf("ListSchedulesByScope = %d, %v; want 2 records", len(scoped), err)
			}

			n, err := st.DeleteExpiredSchedules(ctx, now)
			if err != nil {
				t.Fatalf("DeleteExpiredSchedules: %v", err)
			}
			if n != 1 {
				t.Fatalf("DeleteExpiredSchedules removed %d, want 1", n)
			}

			if err := st.DeleteSchedule(ctx, c.Key); err != nil {
				t.Fatalf("DeleteSchedule: %v", err)
			}
			if err := st.DeleteSchedule(ctx, c.Key); err != nil {
				t.Fatalf("DeleteSchedule on missing key: %v", err)
			}
			all, _ = st.ListSchedules(ctx)
			if len(all) != 1 || all[0].Key != a.Key {
				t.Fatalf("remaining records = %+v, want only %s", all, a.Key)
			}
		})
	}
}

func TestSubscriptionStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			now := time.UnixMilli(time.Now().UnixMilli())

			if _, err := st.GetSubscription(ctx, -5); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetSubscription on missing scope = %v, want ErrNotFound", err)
			}
			sub := Subscription{Scope: -5, ExpireAt: now.Add(24 * time.Hour), UpdatedAt: now}
			if err := st.PutSubscription(ctx, sub); err != nil {
				t.Fatalf("PutSubscription: %v", err)
			}
			got, err := st.GetSubscription(ctx, -5)
			if err != nil || !got.ExpireAt.Equal(sub.ExpireAt) {
				t.Fatalf("GetSubscription = %+v, %v", got, err)
			}
			if err := st.DeleteSubscription(ctx, -5); err != nil {
				t.Fatalf("DeleteSubscription: %v", err)
			}
			if _, err := st.GetSubscription(ctx, -5); !errors.Is(err, ErrNotFound) {
				t.Fatalf("subscription still present after delete: %v", err)
			}

			code := ActivationCode{Code: "abc123", Scope: -5, ExpireAt: now.Add(time.Hour), CreatedBy: 7, CreatedAt: now}
			if err := st.PutCode(ctx, code); err != nil {
				t.Fatalf("PutCode: %v", err)
			}
			taken, err := st.TakeCode(ctx, "abc123")
			if err != nil || taken.Scope != -5 || taken.CreatedBy != 7 {
				t.Fatalf("TakeCode = %+v, %v", taken, err)
			}
			if _, err := st.TakeCode(ctx, "abc123"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second TakeCode = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDailyAndDedupContract(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			on, err := st.ToggleDaily(ctx, -3, 42)
			if err != nil || !on {
				t.Fatalf("ToggleDaily on = %v, %v", on, err)
			}
			if _, err := st.ToggleDaily(ctx, -3, 43); err != nil {
				t.Fatalf("ToggleDaily second subscriber: %v", err)
			}
			ids, err := st.ListDaily(ctx, -3)
			if err != nil || len(ids) != 2 || ids[0] != 42 {
				t.Fatalf("ListDaily = %v, %v", ids, err)
			}
			on, err = st.ToggleDaily(ctx, -3, 42)
			if err != nil || on {
				t.Fatalf("ToggleDaily off = %v, %v", on, err)
			}
			scopes, err := st.ListDailyScopes(ctx)
			if err != nil || len(scopes) != 1 || scopes[0] != -3 {
				t.Fatalf("ListDailyScopes = %v, %v", scopes, err)
			}

			until := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
		})
	}
}

func TestChatSettingsAndHighTierContract(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			cs, err := st.GetChatSettings(ctx, -8)
			if err != nil || cs.Scope != -8 || cs.HighTier || cs.DailyLogChat != 0 {
				t.Fatalf("GetChatSettings on fresh chat = %+v, %v", cs, err)
			}
			if err := st.SetHighTier(ctx, -8, true); err != nil {
				t.Fatalf("SetHighTier: %v", err)
			}
			if err := st.SetDailyLog(ctx, -8, -900, 4); err != nil {
				t.Fatalf("SetDailyLog: %v", err)
			}
			// Setting the log chat must not reset the high-tier flag.
			cs, err = st.GetChatSettings(ctx, -8)
			if err != nil || !cs.HighTier || cs.DailyLogChat != -900 || cs.DailyLogThread != 4 {
				t.Fatalf("GetChatSettings = %+v, %v", cs, err)
			}

			changed, err := st.SetHighTierMember(ctx, -8, 5, true)
			if err != nil || !changed {
				t.Fatalf("SetHighTierMember add = %v, %v", changed, err)
			}
			if changed, _ := st.SetHighTierMember(ctx, -8, 5, true); changed {
				t.Fatalf("second add reported a change")
			}
			if _, err := st.SetHighTierMember(ctx, -8, 3, true); err != nil {
				t.Fatalf("SetHighTierMember: %v", err)
			}
			ids, err := st.ListHighTierMembers(ctx, -8)
			if err != nil || len(ids) != 2 || ids[0] != 3 || ids[1] != 5 {
				t.Fatalf("ListHighTierMembers = %v, %v", ids, err)
			}
			if changed, err := st.SetHighTierMember(ctx, -8, 5, false); err != nil || !changed {
				t.Fatalf("SetHighTierMember remove = %v, %v", changed, err)
			}
			if changed, _ := st.SetHighTierMember(ctx, -8, 5, false); changed {
				t.Fatalf("removing an absent member reported a change")
			}
		})
	}
}

func TestNamespacesDoNotShareRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := openForTest(t, Config{Driver: "sqlite", Path: path, Namespace: "bot-a"})
	b := openForTest(t, Config{Driver: "sqlite", Path: path, Namespace: "bot-b"})
	now := time.UnixMilli(time.Now().UnixMilli())

	if err := a.PutSubscription(ctx, Subscription{Scope: -1, ExpireAt: now.Add(time.Hour), UpdatedAt: now}); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}
	if err := a.PutCode(ctx, ActivationCode{Code: "shared", Scope: -1, ExpireAt: now.Add(time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("PutCode: %v", err)
	}
	if _, err := a.ToggleDaily(ctx, -1, 7); err != nil {
		t.Fatalf("ToggleDaily: %v", err)
	}
	if err := a.SetHighTier(ctx, -1, true); err != nil {
		t.Fatalf("SetHighTier: %v", err)
	}
	if _, err := a.SetHighTierMember(ctx, -1, 7, true); err != nil {
		t.Fatalf("SetHighTierMember: %v", err)
	}
	if err := a.PutDedup(ctx, "k", now.Add(time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	if _, err := b.GetSubscription(ctx, -1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subscription leaked across namespaces: %v", err)
	}
	if _, err := b.TakeCode(ctx, "shared"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("code leaked across namespaces: %v", err)
	}
	if scopes, _ := b.ListDailyScopes(ctx); len(scopes) != 0 {
		t.Fatalf("daily scopes leaked: %v", scopes)
	}
	if cs, _ := b.GetChatSettings(ctx, -1); cs.HighTier {
		t.Fatalf("chat settings leaked: %+v", cs)
	}
	if ids, _ := b.ListHighTierMembers(ctx, -1); len(ids) != 0 {
		t.Fatalf("high-tier members leaked: %v", ids)
	}
	if _, ok, _ := b.GetDedup(ctx, "k"); ok {
		t.Fatalf("dedup window leaked")
	}
	// The owner namespace still sees its code.
	if _, err := a.TakeCode(ctx, "shared"); err != nil {
		t.Fatalf("TakeCode in owner namespace: %v", err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}
	now := time.UnixMilli(time.Now().UnixMilli())

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keep := rec(-1, 1, "summon", now, time.Hour)
	drop := rec(-1, 2, "summon", now, time.Hour)
	if err := st.UpsertSchedule(ctx, keep); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if err := st.UpsertSchedule(ctx, drop); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if err := st.DeleteSchedule(ctx, drop.Key); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := st.SetDailyLog(ctx, -1, -77, 0); err != nil {
		t.Fatalf("SetDailyLog: %v", err)
	}
	if _, err := st.SetHighTierMember(ctx, -1, 9, true); err != nil {
		t.Fatalf("SetHighTierMember: %v", err)
	}

	// Simulate a crash: reopen from the journal without Close.
	crashed, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	all, err := crashed.ListSchedules(ctx)
	if err != nil || len(all) != 1 || all[0].Key != keep.Key {
		t.Fatalf("journal replay = %+v, %v", all, err)
	}
	if err := crashed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = st.Close()

	// After a clean Close the snapshot alone must carry the state.
	again, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	defer again.Close()
	all, err = again.ListSchedules(ctx)
	if err != nil || len(all) != 1 || !all[0].ExpireAt.Equal(keep.ExpireAt) {
		t.Fatalf("snapshot reload = %+v, %v", all, err)
	}
	if cs, err := again.GetChatSettings(ctx, -1); err != nil || cs.DailyLogChat != -77 {
		t.Fatalf("settings after reload = %+v, %v", cs, err)
	}
	if ids, err := again.ListHighTierMembers(ctx, -1); err != nil || len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("high-tier members after reload = %v, %v", ids, err)
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	err := st.UpsertSchedule(context.Background(), rec(-1, 1, "summon", time.Now(), time.Minute))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("UpsertSchedule after Close = %v, want ErrClosed", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `DELETE FROM reminders WHERE namespace=? AND expire_at <= ?`
	if got := rebind(false, q); got != q {
		t.Fatalf("rebind(sqlite) changed query: %s", got)
	}
	want := `DELETE FROM reminders WHERE namespace=$1 AND expire_at <= $2`
	if got := rebind(true, q); got != want {
		t.Fatalf("rebind(postgres) = %s, want %s", got, want)
	}
}
