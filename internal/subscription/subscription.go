// Package subscription decides which chats may use reminders.
//
// A chat is eligible while its subscription's expiry is in the future.
// Owners mint single-use activation codes bound to one chat; an admin of
// that chat redeems the code to extend the subscription to the code's
// expiry.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"github.com/google/uuid"
)

var (
	ErrInvalidCode  = errors.New("subscription: invalid code")
	ErrCodeExpired  = errors.New("subscription: code expired")
	ErrWrongScope   = errors.New("subscription: code belongs to another chat")
	ErrBadDuration  = errors.New("subscription: invalid duration")
	ErrInvalidScope = errors.New("subscription: invalid chat id")
)

// Status is a chat's current entitlement.
type Status struct {
	Scope    int64
	Active   bool
	ExpireAt time.Time // zero when the chat never subscribed
}

func (s Status) Remaining(now time.Time) time.Duration {
	if !s.Active {
		return 0
	}
	return s.ExpireAt.Sub(now)
}

type Service struct {
	store storage.SubscriptionStore
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store storage.SubscriptionStore, log logx.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsEligible is read from the store on every call; nothing is cached, so a
// revoked subscription stops firing reminders immediately.
func (s *Service) IsEligible(ctx context.Context, scope int64) (bool, error) {
	st, err := s.Status(ctx, scope)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (s *Service) Status(ctx context.Context, scope int64) (Status, error) {
	sub, err := s.store.GetSubscription(ctx, scope)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{Scope: scope}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("subscription status %d: %w", scope, err)
	}
	return Status{Scope: scope, Active: sub.ExpireAt.After(s.now()), ExpireAt: sub.ExpireAt}, nil
}

// GenerateCode mints a code that activates scope until now+ttl.
func (s *Service) GenerateCode(ctx context.Context, scope int64, ttl time.Duration, createdBy int64) (storage.ActivationCode, error) {
	if scope == 0 {
		return storage.ActivationCode{}, ErrInvalidScope
	}
	if ttl <= 0 {
		return storage.ActivationCode{}, ErrBadDuration
	}
	now := s.now()
	c := storage.ActivationCode{
		Code:      newCode(),
		Scope:     scope,
		ExpireAt:  now.Add(ttl),
		CreatedBy: createdBy,
		CreatedAt: now,
	}
	if err := s.store.PutCode(ctx, c); err != nil {
		return storage.ActivationCode{}, fmt.Errorf("store code: %w", err)
	}
	s.log.Info("activation code generated",
		logx.Int64("scope", scope),
		logx.Time("expire_at", c.ExpireAt),
		logx.Int64("by", createdBy),
	)
	return c, nil
}

// newCode returns 16 hex characters.
func newCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Activate redeems code for scope. The code is consumed on success and when
// it turns out to be expired. It is put back when it belongs to another chat
// or the subscription write fails.
func (s *Service) Activate(ctx context.Context, scope int64, code string) (Status, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return Status{}, ErrInvalidCode
	}
	c, err := s.store.TakeCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, ErrInvalidCode
	}
	if err != nil {
		return Status{}, fmt.Errorf("take code: %w", err)
	}
	if c.Scope != scope {
		s.restoreCode(ctx, c)
		return Status{}, ErrWrongScope
	}
	now := s.now()
	if !c.ExpireAt.After(now) {
		return Status{}, ErrCodeExpired
	}

	sub := storage.Subscription{Scope: scope, ExpireAt: c.ExpireAt, UpdatedAt: now}
	if err := s.store.PutSubscription(ctx, sub); err != nil {
		s.restoreCode(ctx, c)
		return Status{}, fmt.Errorf("store subscription: %w", err)
	}
	s.log.Info("subscription activated", logx.Int64("scope", scope), logx.Time("expire_at", c.ExpireAt))
	return Status{Scope: scope, Active: true, ExpireAt: c.ExpireAt}, nil
}

func (s *Service) restoreCode(ctx context.Context, c storage.ActivationCode) {
	if err := s.store.PutCode(context.WithoutCancel(ctx), c); err != nil {
		s.log.Warn("could not restore activation code", logx.Int64("scope", c.Scope), logx.Err(err))
	}
}

// ForceExpire removes the chat's subscription.
func (s *Service) ForceExpire(ctx context.Context, scope int64) error {
	if err := s.store.DeleteSubscription(ctx, scope); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.log.Info("subscription force-expired", logx.Int64("scope", scope))
	return nil
}
