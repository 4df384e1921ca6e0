// Package hightier watches the game bot's summon messages for rare spawns.
// Members who opted in are pinged in the chat, and rare claims are
// forwarded to one collector chat.
package hightier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

const (
	DefaultSpawn           = "auto summon"
	DefaultClaim           = "summon claimed"
	DefaultMessage         = "{emoji} <b>{rarity}</b> has summoned, claim it!"
	DefaultEmoji           = "🌸"
	DefaultDedupTTL        = 6 * time.Hour
	DefaultCleanupInterval = 30 * time.Minute

	InactiveNotice = "⚠️ Subscription not active - High Tier spawn detected but notifications disabled."
)

// ErrNotConfigured is returned to members when an admin has not turned
// high-tier pings on for the chat.
var ErrNotConfigured = errors.New("hightier: not configured for this chat")

// Rarity is one recognised tier. The highest Priority found in a message wins.
type Rarity struct {
	Name     string
	Match    string
	Priority int
	Emoji    string
	Message  string
}

// DefaultRarities matches the tier labels the game bot prints.
func DefaultRarities() []Rarity {
	return []Rarity{
		{Name: "SR", Match: `\bSR\b`, Priority: 1},
		{Name: "SSR", Match: `\bSSR\b`, Priority: 2},
		{Name: "UR", Match: `\bUR\b`, Priority: 3, Message: "{emoji} <b>{rarity}</b> has summoned, claim it!!"},
	}
}

type Config struct {
	Enabled      bool
	FromUserID   int64
	FromUsername string
	Spawn        string
	Claim        string
	// OnNew also scans new messages. The game bot edits its summon message
	// in place, so edits alone are the default.
	OnNew    bool
	Rarities []Rarity

	ForwardChatID   int64
	ForwardThreadID int

	DedupTTL        time.Duration
	CleanupInterval time.Duration
}

type rarity struct {
	Rarity
	re *regexp.Regexp
}

type compiled struct {
	Config
	spawn    *regexp.Regexp
	claim    *regexp.Regexp
	rarities []rarity
}

// Validate reports every problem in cfg.
func Validate(cfg Config) error {
	_, err := compile(cfg)
	return err
}

func compile(cfg Config) (compiled, error) {
	c := compiled{Config: cfg}
	if strings.TrimSpace(c.Spawn) == "" {
		c.Spawn = DefaultSpawn
	}
	if strings.TrimSpace(c.Claim) == "" {
		c.Claim = DefaultClaim
	}
	if len(c.Rarities) == 0 {
		c.Rarities = DefaultRarities()
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	c.FromUsername = strings.TrimPrefix(strings.TrimSpace(c.FromUsername), "@")

	var errs []error
	var err error
	if c.spawn, err = regexp.Compile("(?i)" + c.Spawn); err != nil {
		errs = append(errs, fmt.Errorf("high_tier.spawn: %w", err))
	}
	if c.claim, err = regexp.Compile("(?i)" + c.Claim); err != nil {
		errs = append(errs, fmt.Errorf("high_tier.claim: %w", err))
	}
	seen := map[string]bool{}
	for i, r := range c.Rarities {
		path := fmt.Sprintf("high_tier.rarities[%d]", i)
		r.Name = strings.TrimSpace(r.Name)
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, r.Name))
		}
		seen[r.Name] = true
		if strings.TrimSpace(r.Match) == "" {
			errs = append(errs, fmt.Errorf("%s.match: required", path))
			continue
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.match: %w", path, err))
			continue
		}
		if r.Emoji == "" {
			r.Emoji = DefaultEmoji
		}
		if strings.TrimSpace(r.Message) == "" {
			r.Message = DefaultMessage
		}
		c.rarities = append(c.rarities, rarity{Rarity: r, re: re})
	}
	if len(errs) > 0 {
		return compiled{}, errors.Join(errs...)
	}
	return c, nil
}

// best returns the highest-priority rarity present in text.
func (c *compiled) best(text string) (rarity, bool) {
	var (
		out   rarity
		found bool
	)
	for _, r := range c.rarities {
		if !r.re.MatchString(text) {
			continue
		}
		if !found || r.Priority > out.Priority {
			out, found = r, true
		}
	}
	return out, found
}

func (c *compiled) fromMatches(m *kit.Message) bool {
	if c.FromUserID != 0 && m.FromID != c.FromUserID {
		return false
	}
	if c.FromUsername != "" && !strings.EqualFold(m.FromUsername, c.FromUsername) {
		return false
	}
	return true
}

// Store is the persistence used here.
type Store interface {
	storage.ChatSettingsStore
	storage.HighTierStore
}

// Notifier is the subset of notifier.Service used for notices and forwards.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Result says what Handle did with one update.
type Result struct {
	Rarity    string
	Duplicate bool
	Inactive  bool
	Pinged    int
	Forwarded bool
}

type Service struct {
	store Store
	gate  reminder.Gate
	out   Notifier
	send  kit.Sender
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	cfg compiled

	seenMu sync.Mutex
	seen   map[string]time.Time
}

func New(cfg Config, store Store, gate reminder.Gate, out Notifier, send kit.Sender, log logx.Logger) (*Service, error) {
	s := &Service{
		store: store,
		gate:  gate,
		out:   out,
		send:  send,
		log:   log,
		now:   time.Now,
		seen:  map[string]time.Time{},
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps the config. On error the old one stays.
func (s *Service) Apply(cfg Config) error {
	c, err := compile(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = c
	s.mu.Unlock()
	return nil
}

func (s *Service) config() compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Handle inspects one update. Spawns ping the chat's opted-in members and
// claims are forwarded. Each message is handled once per stage until its
// dedup entry ages out.
func (s *Service) Handle(ctx context.Context, up kit.Update) Result {
	var res Result
	m := up.Message
	if m == nil || !m.IsGroup || m.Text == "" {
		return res
	}
	cfg := s.config()
	if !cfg.Enabled || (up.Kind != kit.UpdateEdited && !cfg.OnNew) || !cfg.fromMatches(m) {
		return res
	}
	stage := ""
	switch {
	case cfg.spawn.MatchString(m.Text):
		stage = "spawn"
	case cfg.claim.MatchString(m.Text):
		stage = "claim"
	default:
		return res
	}
	r, ok := cfg.best(m.Text)
	if !ok {
		s.log.Debug("summon without a rarity", logx.Int64("chat_id", m.ChatID), logx.Int("msg_id", m.ID))
		return res
	}
	res.Rarity = r.Name
	if !s.claim(fmt.Sprintf("%s:%d:%d", stage, m.ChatID, m.ID), cfg.DedupTTL) {
		res.Duplicate = true
		return res
	}

	log := s.log.With(logx.Int64("chat_id", m.ChatID), logx.Int("msg_id", m.ID), logx.String("rarity", r.Name))
	if stage == "spawn" {
		s.ping(ctx, m, r, &res, log)
	}
	if cfg.ForwardChatID != 0 && cfg.ForwardChatID != m.ChatID {
		res.Forwarded = s.forward(ctx, cfg, m, r, log)
	}
	return res
}

func (s *Service) ping(ctx context.Context, m *kit.Message, r rarity, res *Result, log logx.Logger) {
	here := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	ok, err := s.gate.IsEligible(ctx, m.ChatID)
	if err != nil {
		log.Warn("high tier ping skipped: subscription lookup failed", logx.Err(err))
		return
	}
	if !ok {
		res.Inactive = true
		s.notify(ctx, kit.Notification{Channel: "hightier.inactive", Target: here, Text: InactiveNotice}, log)
		return
	}
	st, err := s.store.GetChatSettings(ctx, m.ChatID)
	if err != nil {
		log.Warn("high tier ping skipped: settings lookup failed", logx.Err(err))
		return
	}
	if !st.HighTier {
		return
	}
	ids, err := s.store.ListHighTierMembers(ctx, m.ChatID)
	if err != nil {
		log.Warn("high tier ping skipped: member lookup failed", logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	mentions := make([]string, 0, len(ids))
	for _, id := range ids {
		mentions = append(mentions, delivery.Mention(id, ""))
	}
	text := render(r) + "\n🔥 " + strings.Join(mentions, " ")
	if _, err := s.send.SendText(ctx, here, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		log.Warn("high tier ping failed", logx.Err(err))
		return
	}
	res.Pinged = len(ids)
	log.Info("high tier ping sent", logx.Int("members", len(ids)))
}

func (s *Service) forward(ctx context.Context, cfg compiled, m *kit.Message, r rarity, log logx.Logger) bool {
	source := m.ChatTitle
	if source == "" {
		source = fmt.Sprintf("chat %d", m.ChatID)
	}
	header := fmt.Sprintf("🌸 <b>High Tier Claim Detected</b>\nRarity: %s\nSource Server: %s\nChannel: %s",
		html.EscapeString(r.Name), html.EscapeString(source), channelLabel(m))
	n := kit.Notification{
		Channel: "hightier.forward",
		Target:  kit.ChatTarget{ChatID: cfg.ForwardChatID, ThreadID: cfg.ForwardThreadID},
		Text:    header + "\n\n" + html.EscapeString(m.Text),
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
	if !s.notify(ctx, n, log) {
		return false
	}
	log.Info("high tier forwarded", logx.Int64("to", cfg.ForwardChatID))
	return true
}

func (s *Service) notify(ctx context.Context, n kit.Notification, log logx.Logger) bool {
	if n.Options == nil {
		n.Options = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}
	if err := s.out.Notify(ctx, n); err != nil {
		log.Warn("high tier notice dropped", logx.String("channel", n.Channel), logx.Err(err))
		return false
	}
	return true
}

func render(r rarity) string {
	return strings.NewReplacer("{emoji}", r.Emoji, "{rarity}", html.EscapeString(r.Name)).Replace(r.Message)
}

// channelLabel names the source chat and topic. Supergroup ids carry the
// -100 prefix that t.me/c links drop.
func channelLabel(m *kit.Message) string {
	id := fmt.Sprint(m.ChatID)
	if !strings.HasPrefix(id, "-100") {
		if m.ThreadID != 0 {
			return fmt.Sprintf("<code>%d</code> › topic %d", m.ChatID, m.ThreadID)
		}
		return fmt.Sprintf("<code>%d</code>", m.ChatID)
	}
	link := fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(id, "-100"), m.ID)
	if m.ThreadID != 0 {
		return fmt.Sprintf(`<a href="%s">message</a> › topic %d`, link, m.ThreadID)
	}
	return fmt.Sprintf(`<a href="%s">message</a>`, link)
}

// claim records key and reports whether it was new or had expired.
func (s *Service) claim(key string, ttl time.Duration) bool {
	now := s.now()
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if at, ok := s.seen[key]; ok && now.Sub(at) < ttl {
		return false
	}
	s.seen[key] = now
	return true
}

// Cleanup drops dedup entries older than the TTL and returns how many are left.
func (s *Service) Cleanup() int {
	ttl := s.config().DedupTTL
	now := s.now()
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for k, at := range s.seen {
		if now.Sub(at) >= ttl {
			delete(s.seen, k)
		}
	}
	return len(s.seen)
}

// Run prunes the dedup set until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.config().CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			left := s.Cleanup()
			s.log.Debug("high tier dedup pruned", logx.Int("left", left))
			t.Reset(s.config().CleanupInterval)
		}
	}
}

// Configure turns pings on or off for scope.
func (s *Service) Configure(ctx context.Context, scope int64, on bool) error {
	if err := s.store.SetHighTier(ctx, scope, on); err != nil {
		return err
	}
	s.log.Info("high tier configured", logx.Int64("scope", scope), logx.Bool("on", on))
	return nil
}

// Enabled reports whether pings are on for scope.
func (s *Service) Enabled(ctx context.Context, scope int64) (bool, error) {
	st, err := s.store.GetChatSettings(ctx, scope)
	if err != nil {
		return false, err
	}
	return st.HighTier, nil
}

// Join opts subject in. It reports false when subject was already in.
func (s *Service) Join(ctx context.Context, scope, subject int64) (bool, error) {
	st, err := s.store.GetChatSettings(ctx, scope)
	if err != nil {
		return false, err
	}
	if !st.HighTier {
		return false, ErrNotConfigured
	}
	return s.store.SetHighTierMember(ctx, scope, subject, true)
}

// Leave opts subject out. It reports false when subject was not in.
func (s *Service) Leave(ctx context.Context, scope, subject int64) (bool, error) {
	st, err := s.store.GetChatSettings(ctx, scope)
	if err != nil {
		return false, err
	}
	if !st.HighTier {
		return false, ErrNotConfigured
	}
	return s.store.SetHighTierMember(ctx, scope, subject, false)
}

func (s *Service) Members(ctx context.Context, scope int64) ([]int64, error) {
	return s.store.ListHighTierMembers(ctx, scope)
}
