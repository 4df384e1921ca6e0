package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(st, logx.Nop(), WithClock(c.now)), c
}

func TestEligibilityFollowsExpiry(t *testing.T) {
	t.Parallel()
	svc, c := newService(t)
	ctx := context.Background()

	if ok, err := svc.IsEligible(ctx, -1); err != nil || ok {
		t.Fatalf("IsEligible without subscription = %v, %v", ok, err)
	}
	code, err := svc.GenerateCode(ctx, -1, 24*time.Hour, 99)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if len(code.Code) != 16 {
		t.Fatalf("code %q has %d chars, want 16", code.Code, len(code.Code))
	}
	st, err := svc.Activate(ctx, -1, code.Code)
	if err != nil || !st.Active || !st.ExpireAt.Equal(c.t.Add(24*time.Hour)) {
		t.Fatalf("Activate = %+v, %v", st, err)
	}
	if ok, _ := svc.IsEligible(ctx, -1); !ok {
		t.Fatalf("not eligible right after activation")
	}

	c.t = c.t.Add(24 * time.Hour)
	if ok, _ := svc.IsEligible(ctx, -1); ok {
		t.Fatalf("eligible at the exact expiry instant")
	}
}

func TestActivateRejections(t *testing.T) {
	t.Parallel()
	svc, c := newService(t)
	ctx := context.Background()

	if _, err := svc.Activate(ctx, -1, "nope"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("unknown code = %v, want ErrInvalidCode", err)
	}

	other, _ := svc.GenerateCode(ctx, -2, time.Hour, 1)
	if _, err := svc.Activate(ctx, -1, other.Code); !errors.Is(err, ErrWrongScope) {
		t.Fatalf("foreign code = %v, want ErrWrongScope", err)
	}
	// The rightful chat can still use it.
	if _, err := svc.Activate(ctx, -2, strings16(other.Code)); err != nil {
		t.Fatalf("Activate by owner chat after foreign attempt: %v", err)
	}
	if _, err := svc.Activate(ctx, -2, other.Code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("reused code = %v, want ErrInvalidCode", err)
	}

	stale, _ := svc.GenerateCode(ctx, -1, time.Minute, 1)
	c.t = c.t.Add(2 * time.Minute)
	if _, err := svc.Activate(ctx, -1, stale.Code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("stale code = %v, want ErrCodeExpired", err)
	}
}

// strings16 mimics a user pasting the code with stray spaces and capitals.
func strings16(code string) string {
	b := []byte(" " + code + " ")
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'f' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// brokenSubs fails every subscription write.
type brokenSubs struct {
	storage.Store
}

func (brokenSubs) PutSubscription(context.Context, storage.Subscription) error {
	return errors.New("db down")
}

func TestActivateKeepsCodeWhenWriteFails(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	code, err := New(mem, logx.Nop(), WithClock(clock)).GenerateCode(ctx, -1, time.Hour, 99)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	broken := New(brokenSubs{mem}, logx.Nop(), WithClock(clock))
	if _, err := broken.Activate(ctx, -1, code.Code); err == nil {
		t.Fatalf("Activate succeeded with a failing store")
	}

	// The code survives and can be redeemed once the store recovers.
	st, err := New(mem, logx.Nop(), WithClock(clock)).Activate(ctx, -1, code.Code)
	if err != nil || !st.Active {
		t.Fatalf("Activate after recovery = %+v, %v", st, err)
	}
}

func TestForceExpire(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	code, _ := svc.GenerateCode(ctx, -1, time.Hour, 1)
	if _, err := svc.Activate(ctx, -1, code.Code); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := svc.ForceExpire(ctx, -1); err != nil {
		t.Fatalf("ForceExpire: %v", err)
	}
	st, err := svc.Status(ctx, -1)
	if err != nil || st.Active || !st.ExpireAt.IsZero() {
		t.Fatalf("Status after ForceExpire = %+v, %v", st, err)
	}
}

func TestGenerateCodeValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	if _, err := svc.GenerateCode(context.Background(), 0, time.Hour, 1); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("scope 0 = %v", err)
	}
	if _, err := svc.GenerateCode(context.Background(), -1, 0, 1); !errors.Is(err, ErrBadDuration) {
		t.Fatalf("ttl 0 = %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1d", want: 24 * time.Hour},
		{in: "12h", want: 12 * time.Hour},
		{in: "30m", want: 30 * time.Minute},
		{in: "60s", want: time.Minute},
		{in: "90", want: 90 * time.Second},
		{in: " 7D ", want: 7 * 24 * time.Hour},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "tomorrow", wantErr: true},
		{in: "36500d", want: 36500 * 24 * time.Hour},
		{in: "36501d", wantErr: true},
		{in: "106752d", wantErr: true},
		{in: "9223372036854775807", wantErr: true},
		{in: "2562047h", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadDuration) {
					t.Fatalf("ParseDuration(%q) err = %v, want ErrBadDuration", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseDuration(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}
}
