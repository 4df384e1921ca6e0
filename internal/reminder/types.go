package reminder

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
)

type (
	Key    = storage.ScheduleKey
	Record = storage.ScheduleRecord
	// Store is the durable side. storage.Store satisfies it.
	Store = storage.ScheduleStore
)

// DefaultCooldown applies to kinds with no configured cooldown.
const DefaultCooldown = 30 * time.Minute

// Trigger asks for one reminder. Context is opaque here and handed back to
// the Dispatcher at fire time. A positive Cooldown overrides the kind's.
type Trigger struct {
	Scope    int64
	Subject  int64
	Kind     string
	Context  json.RawMessage
	Cooldown time.Duration
}

func (t Trigger) Key() Key {
	return Key{Scope: t.Scope, Subject: t.Subject, Kind: strings.TrimSpace(t.Kind)}
}

type ArmStatus int

const (
	Armed ArmStatus = iota + 1
	AlreadyArmed
	// Denied means the scope was not eligible; nothing was written.
	Denied
)

func (s ArmStatus) String() string {
	switch s {
	case Armed:
		return "armed"
	case AlreadyArmed:
		return "already_armed"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

type ArmResult struct {
	Status   ArmStatus
	ExpireAt time.Time
}

// Delivery is what the Dispatcher receives when a countdown fires.
type Delivery struct {
	Key     Key
	Context json.RawMessage
	Payload string
}

// KindConfig is the policy for one reminder kind.
type KindConfig struct {
	Cooldown time.Duration
	// Message is the fire-time payload. "{mention}" is left for the
	// dispatcher to render.
	Message string
}

// Gate decides whether a scope may arm and fire reminders.
type Gate interface {
	IsEligible(ctx context.Context, scope int64) (bool, error)
}

// Dispatcher performs the delivery. It is called once per fire and never
// retried.
type Dispatcher interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Resolver checks during Restore that a record still points somewhere
// deliverable. Returning ErrSubjectUnresolvable (wrapped or not) discards the
// record; any other error keeps it.
type Resolver interface {
	Resolve(ctx context.Context, r Record) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, scope int64) (bool, error)

func (f GateFunc) IsEligible(ctx context.Context, scope int64) (bool, error) { return f(ctx, scope) }

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, d Delivery) error

func (f DispatcherFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Event types published on the bus. Data is always an EventData.
const (
	EventArmed     = "reminder.armed"
	EventDenied    = "reminder.denied"
	EventFired     = "reminder.fired"
	EventSkipped   = "reminder.skipped"
	EventFailed    = "reminder.failed"
	EventCancelled = "reminder.cancelled"
	EventRestored  = "reminder.restored"
	EventSwept     = "reminder.swept"
)

type EventData struct {
	Key      Key
	Context  json.RawMessage
	ExpireAt time.Time
	Err      error
	// Restore and sweep summaries.
	Report RestoreReport
	Swept  int64
}
