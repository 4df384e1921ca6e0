package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier: disabled")
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
)

// Config controls the notice pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	RetryCap   time.Duration
	// DedupWindow suppresses an identical notice (same channel, target and
	// text) for this long. 0 disables dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup mirrors dedup windows to storage so they survive a
	// restart.
	PersistDedup bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// Event is the Data of every notifier.* bus event.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
