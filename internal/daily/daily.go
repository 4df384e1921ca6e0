// Package daily sends a fixed message once a day to every opted-in member of
// each subscribed chat. Chats with a log chat set get one line per member,
// a run summary and the opt-in changes there.
package daily

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/notifier/broadcast"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSpec    = "0 0 * * *"
	DefaultMessage = "⏰ Daily reminder: your daily rewards are ready!"

	InactiveNotice = "⚠️ Subscription not active - Daily reminders disabled."
)

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
	Message  string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = DefaultSpec
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "UTC"
	}
	if strings.TrimSpace(c.Message) == "" {
		c.Message = DefaultMessage
	}
	return c
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec checks a five-field cron spec or descriptor.
func ValidateSpec(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Summary describes one run.
type Summary struct {
	Scopes  int
	Skipped []int64 // scopes without an active subscription or unreadable subscribers
	Jobs    []string
	Members int
}

// Store is the persistence used here.
type Store interface {
	storage.DailyStore
	storage.ChatSettingsStore
}

// Notifier carries log-chat lines. It is the subset of notifier.Service used here.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Service struct {
	store Store
	gate  reminder.Gate
	bc    *broadcast.Service
	out   Notifier
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

// New builds the service. out may be nil, which turns log-chat lines off.
func New(cfg Config, store Store, gate reminder.Gate, bc *broadcast.Service, out Notifier, log logx.Logger) *Service {
	return &Service{store: store, gate: gate, bc: bc, out: out, log: log, now: time.Now, cfg: cfg.withDefaults()}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("daily timezone %q: %w", s.cfg.Timezone, err)
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("daily run failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("daily spec %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("daily scheduled", logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply reschedules with cfg.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.Stop(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	return s.startLocked()
}

// RunOnce queues one broadcast per eligible chat.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	msg := s.cfg.Message
	s.mu.Unlock()

	var sum Summary
	scopes, err := s.store.ListDailyScopes(ctx)
	if err != nil {
		return sum, fmt.Errorf("list daily scopes: %w", err)
	}
	for _, scope := range scopes {
		sum.Scopes++
		logTo, hasLog := s.logTarget(ctx, scope)
		ok, err := s.gate.IsEligible(ctx, scope)
		if err != nil || !ok {
			s.log.Warn("daily skipped: subscription not active", logx.Int64("scope", scope), logx.Err(err))
			sum.Skipped = append(sum.Skipped, scope)
			if err == nil && hasLog {
				s.emit(logTo, InactiveNotice)
			}
			continue
		}
		ids, err := s.store.ListDaily(ctx, scope)
		if err != nil {
			s.log.Warn("daily skipped: list subscribers failed", logx.Int64("scope", scope), logx.Err(err))
			sum.Skipped = append(sum.Skipped, scope)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		targets := make([]kit.ChatTarget, 0, len(ids))
		for _, id := range ids {
			targets = append(targets, kit.ChatTarget{ChatID: id})
		}
		job := broadcast.Job{Name: fmt.Sprintf("daily:%d", scope), Targets: targets, Text: msg}
		if hasLog {
			job.OnResult = func(t kit.ChatTarget, err error) {
				if err != nil {
					s.emit(logTo, "❌ Failed to DM "+delivery.Mention(t.ChatID, ""))
					return
				}
				s.emit(logTo, "📨 Daily sent to "+delivery.Mention(t.ChatID, ""))
			}
			job.OnDone = func(st broadcast.Status) {
				s.emit(logTo, summaryText(s.now(), st))
			}
		}
		id, err := s.bc.Submit(job)
		if err != nil {
			s.log.Warn("daily broadcast not queued", logx.Int64("scope", scope), logx.Err(err))
			continue
		}
		sum.Jobs = append(sum.Jobs, id)
		sum.Members += len(ids)
	}
	s.log.Info("daily run queued", logx.Int("scopes", sum.Scopes), logx.Int("skipped", len(sum.Skipped)), logx.Int("members", sum.Members))
	return sum, nil
}

// Toggle flips subject's opt-in for scope and returns the new state.
func (s *Service) Toggle(ctx context.Context, scope, subject int64) (bool, error) {
	on, err := s.store.ToggleDaily(ctx, scope, subject)
	if err != nil {
		return false, err
	}
	s.log.Info("daily toggled", logx.Int64("scope", scope), logx.Int64("subject", subject), logx.Bool("on", on))
	if to, ok := s.logTarget(ctx, scope); ok {
		if on {
			s.emit(to, "✅ "+delivery.Mention(subject, "")+" subscribed to daily reminder")
		} else {
			s.emit(to, "🚫 "+delivery.Mention(subject, "")+" unsubscribed from daily reminder")
		}
	}
	return on, nil
}

func (s *Service) List(ctx context.Context, scope int64) ([]int64, error) {
	return s.store.ListDaily(ctx, scope)
}

// Subscribed reports whether subject is opted in for scope.
func (s *Service) Subscribed(ctx context.Context, scope, subject int64) (bool, error) {
	ids, err := s.store.ListDaily(ctx, scope)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == subject {
			return true, nil
		}
	}
	return false, nil
}

// SetLogChat routes scope's log lines to chatID. Zero turns them off.
func (s *Service) SetLogChat(ctx context.Context, scope, chatID int64, threadID int) error {
	if chatID == 0 {
		threadID = 0
	}
	if err := s.store.SetDailyLog(ctx, scope, chatID, threadID); err != nil {
		return err
	}
	s.log.Info("daily log chat set", logx.Int64("scope", scope), logx.Int64("log_chat", chatID), logx.Int("thread", threadID))
	return nil
}

// LogChat returns where scope's log lines go. Zero ChatID means nowhere.
func (s *Service) LogChat(ctx context.Context, scope int64) (kit.ChatTarget, error) {
	st, err := s.store.GetChatSettings(ctx, scope)
	if err != nil {
		return kit.ChatTarget{}, err
	}
	return kit.ChatTarget{ChatID: st.DailyLogChat, ThreadID: st.DailyLogThread}, nil
}

func (s *Service) logTarget(ctx context.Context, scope int64) (kit.ChatTarget, bool) {
	if s.out == nil {
		return kit.ChatTarget{}, false
	}
	st, err := s.store.GetChatSettings(ctx, scope)
	if err != nil {
		s.log.Warn("daily log chat lookup failed", logx.Int64("scope", scope), logx.Err(err))
		return kit.ChatTarget{}, false
	}
	if st.DailyLogChat == 0 {
		return kit.ChatTarget{}, false
	}
	return kit.ChatTarget{ChatID: st.DailyLogChat, ThreadID: st.DailyLogThread}, true
}

// emit queues one log line. Broadcast callbacks outlive the run's context,
// so the notifier gets a fresh one; Notify only enqueues.
func (s *Service) emit(to kit.ChatTarget, text string) {
	n := kit.Notification{
		Channel: "daily.log",
		Target:  to,
		Text:    text,
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Silent: true},
	}
	if err := s.out.Notify(context.Background(), n); err != nil {
		s.log.Debug("daily log line dropped", logx.Int64("log_chat", to.ChatID), logx.Err(err))
	}
}

func summaryText(at time.Time, st broadcast.Status) string {
	return fmt.Sprintf("📊 Daily summary at %s:\n✅ Sent: %d\n❌ Failed: %d\n👥 Total: %d",
		at.UTC().Format("2006-01-02 15:04 UTC"), st.Sent, st.Failed, st.Total)
}
