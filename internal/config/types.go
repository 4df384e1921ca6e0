package config

// Config is the whole bot configuration. Durations are Go duration strings
// ("500ms", "10s", "30m") unless noted otherwise.
type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Reminders RemindersConfig  `json:"reminders"`
	Detectors []DetectorConfig `json:"detectors"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Announce  AnnounceConfig   `json:"announce"`
	Daily     DailyConfig      `json:"daily"`
	HighTier  HighTierConfig   `json:"high_tier"`

	// Notifier may be omitted; it then defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Ops      OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through MEMASSISTANT_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors WARN+ lines into a log chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
//	storage: { driver: sqlite, path: ./memassistant.db }
//	storage: { driver: postgres }            # DSN from DATABASE_URL
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	OpTimeout   string `json:"op_timeout,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

type RemindersConfig struct {
	// DefaultCooldown applies to kinds without their own cooldown. Default 30m.
	DefaultCooldown string `json:"default_cooldown,omitempty"`
	// SweepInterval is how often stale records are purged. Default 10m.
	SweepInterval string `json:"sweep_interval,omitempty"`
	// FireTimeout bounds one delivery attempt. Default 30s.
	FireTimeout string                `json:"fire_timeout,omitempty"`
	Kinds       map[string]KindConfig `json:"kinds"`
}

type KindConfig struct {
	Cooldown string `json:"cooldown"`
	// Message is the reminder text; {mention} and {user_id} are filled in.
	Message string `json:"message,omitempty"`
}

// DetectorConfig turns matching chat messages into reminders.
type DetectorConfig struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	FromUserID   int64  `json:"from_user_id,omitempty"`
	FromUsername string `json:"from_username,omitempty"`
	Match        string `json:"match"`
	Exclude      string `json:"exclude,omitempty"`
	// Subject is sender, mention or match. Default sender.
	Subject string `json:"subject,omitempty"`
	// Deliver is chat or direct. Default chat.
	Deliver string `json:"deliver,omitempty"`
	OnEdit  bool   `json:"on_edit,omitempty"`
	// Cooldown overrides the kind's cooldown for this rule.
	Cooldown string `json:"cooldown,omitempty"`
}

type DispatchConfig struct {
	SendTimeout string  `json:"send_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

// AnnounceConfig controls the notices posted around a reminder's life.
type AnnounceConfig struct {
	Started  bool `json:"started"`
	Finished bool `json:"finished"`
	Denied   bool `json:"denied"`
	// ChatID receives the restore checklist after a restart.
	ChatID int64 `json:"chat_id,omitempty"`
}

type DailyConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Message  string `json:"message,omitempty"`
	// RatePerSec caps DMs across all daily broadcasts. Default 10.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// HighTierConfig pings opted-in members when the game bot announces a rare
// spawn and forwards rare claims to one chat.
type HighTierConfig struct {
	Enabled      bool   `json:"enabled"`
	FromUserID   int64  `json:"from_user_id,omitempty"`
	FromUsername string `json:"from_username,omitempty"`
	// Spawn and Claim are case-insensitive regexes. Defaults "auto summon"
	// and "summon claimed".
	Spawn string `json:"spawn,omitempty"`
	Claim string `json:"claim,omitempty"`
	// OnNew also scans new messages; by default only edits are scanned.
	OnNew    bool           `json:"on_new,omitempty"`
	Rarities []RarityConfig `json:"rarities,omitempty"`

	ForwardChatID   int64 `json:"forward_chat_id,omitempty"`
	ForwardThreadID int   `json:"forward_thread_id,omitempty"`

	// DedupTTL is how long a message stays handled. Default 6h.
	DedupTTL        string `json:"dedup_ttl,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
}

// RarityConfig is one tier; the highest priority found in a message wins.
type RarityConfig struct {
	Name     string `json:"name"`
	Match    string `json:"match"`
	Priority int    `json:"priority"`
	Emoji    string `json:"emoji,omitempty"`
	// Message may use {emoji} and {rarity}.
	Message string `json:"message,omitempty"`
}

// NotifierConfig controls the async notice pipeline used for announcements.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// OpsConfig is the operator HTTP endpoint (/healthz and optional pprof).
// Binding beyond loopback needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
