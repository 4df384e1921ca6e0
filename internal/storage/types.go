package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "postgres": DSN (lib/pq)
//   - "sqlite": database file at Path
//   - "file": JSON snapshot + journal at Path
//   - "memory": process-local, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	OpTimeout   time.Duration // per statement; 0 means 5s
	// Namespace separates several bots sharing one database.
	Namespace string
}

// ScheduleKey identifies one pending schedule.
type ScheduleKey struct {
	Scope   int64  `json:"scope"`
	Subject int64  `json:"subject"`
	Kind    string `json:"kind"`
}

func (k ScheduleKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.Scope, k.Subject, k.Kind)
}

func (k ScheduleKey) Valid() bool {
	return k.Scope != 0 && k.Subject != 0 && strings.TrimSpace(k.Kind) != ""
}

// ScheduleRecord is one durable pending notification. Context is opaque to
// storage; it is whatever the dispatcher needs to deliver.
type ScheduleRecord struct {
	Key      ScheduleKey     `json:"key"`
	Context  json.RawMessage `json:"context,omitempty"`
	ArmedAt  time.Time       `json:"armed_at"`
	ExpireAt time.Time       `json:"expire_at"`
}

// Expired reports whether the record's deadline is at or before now.
func (r ScheduleRecord) Expired(now time.Time) bool { return !r.ExpireAt.After(now) }

type Subscription struct {
	Scope     int64     `json:"scope"`
	ExpireAt  time.Time `json:"expire_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivationCode grants a subscription for Scope until ExpireAt.
type ActivationCode struct {
	Code      string    `json:"code"`
	Scope     int64     `json:"scope"`
	ExpireAt  time.Time `json:"expire_at"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSettings holds per-chat options set by chat admins.
type ChatSettings struct {
	Scope int64 `json:"scope"`
	// HighTier enables rare spawn alerts in the chat.
	HighTier bool `json:"high_tier"`
	// DailyLogChat receives daily reminder logs for the chat. 0 disables them.
	DailyLogChat   int64     `json:"daily_log_chat,omitempty"`
	DailyLogThread int       `json:"daily_log_thread,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScheduleStore persists pending schedules. At most one record exists per
// key; UpsertSchedule replaces it wholesale.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, r ScheduleRecord) error
	// DeleteSchedule removes the record. A missing record is not an error.
	DeleteSchedule(ctx context.Context, key ScheduleKey) error
	ListSchedules(ctx context.Context) ([]ScheduleRecord, error)
	ListSchedulesByScope(ctx context.Context, scope int64) ([]ScheduleRecord, error)
	// DeleteExpiredSchedules removes every record with ExpireAt <= before.
	DeleteExpiredSchedules(ctx context.Context, before time.Time) (int64, error)
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, scope int64) (Subscription, error)
	PutSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, scope int64) error

	PutCode(ctx context.Context, c ActivationCode) error
	// TakeCode returns and removes the code in one step.
	TakeCode(ctx context.Context, code string) (ActivationCode, error)
}

type DailyStore interface {
	// ToggleDaily flips the subscriber's membership and returns the new state.
	ToggleDaily(ctx context.Context, scope, subject int64) (bool, error)
	ListDaily(ctx context.Context, scope int64) ([]int64, error)
	ListDailyScopes(ctx context.Context) ([]int64, error)
}

// ChatSettingsStore keeps per-chat options. Each setter updates only its own
// field.
type ChatSettingsStore interface {
	// GetChatSettings returns the zero value (with Scope set) for a chat that
	// never changed anything.
	GetChatSettings(ctx context.Context, scope int64) (ChatSettings, error)
	SetHighTier(ctx context.Context, scope int64, on bool) error
	SetDailyLog(ctx context.Context, scope, chatID int64, threadID int) error
}

// HighTierStore keeps the members of each chat who opted in to high-tier
// alerts.
type HighTierStore interface {
	// SetHighTierMember adds or removes subject and reports whether anything
	// changed.
	SetHighTierMember(ctx context.Context, scope, subject int64, on bool) (bool, error)
	ListHighTierMembers(ctx context.Context, scope int64) ([]int64, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	ScheduleStore
	SubscriptionStore
	DailyStore
	ChatSettingsStore
	HighTierStore
	DedupStore
	Close() error
}
