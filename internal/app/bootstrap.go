package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/announce"
	"github.com/Lunaria-Bot/MemAssistant/internal/config"
	"github.com/Lunaria-Bot/MemAssistant/internal/daily"
	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/detect"
	"github.com/Lunaria-Bot/MemAssistant/internal/hightier"
	"github.com/Lunaria-Bot/MemAssistant/internal/notifier/broadcast"
	"github.com/Lunaria-Bot/MemAssistant/internal/observability/ops"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// Mapping from the file config to component configs. Every mapper is pure so
// the reload validator can run them against a candidate config.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminders
	out := reminder.Config{Kinds: make(map[string]reminder.KindConfig, len(rc.Kinds))}

	var err error
	if out.DefaultCooldown, err = config.ParseDurationOrDefault("reminders.default_cooldown", rc.DefaultCooldown, reminder.DefaultCooldown); err != nil {
		return reminder.Config{}, err
	}
	if out.SweepInterval, err = config.ParseDurationOrDefault("reminders.sweep_interval", rc.SweepInterval, reminder.DefaultSweepInterval); err != nil {
		return reminder.Config{}, err
	}
	if out.FireTimeout, err = config.ParseDurationOrDefault("reminders.fire_timeout", rc.FireTimeout, 30*time.Second); err != nil {
		return reminder.Config{}, err
	}
	for name, k := range rc.Kinds {
		name = strings.TrimSpace(name)
		cd, err := config.ParseDurationField("reminders.kinds."+name+".cooldown", k.Cooldown)
		if err != nil {
			return reminder.Config{}, err
		}
		msg := k.Message
		if strings.TrimSpace(msg) == "" {
			msg = delivery.DefaultMessage
		}
		out.Kinds[name] = reminder.KindConfig{Cooldown: cd, Message: msg}
	}
	return out, nil
}

func mapDetectorRules(cfg *config.Config) ([]detect.Rule, error) {
	out := make([]detect.Rule, 0, len(cfg.Detectors))
	for i, d := range cfg.Detectors {
		cd, err := config.ParseDurationField(fmt.Sprintf("detectors[%d].cooldown", i), d.Cooldown)
		if err != nil {
			return nil, err
		}
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", d.Kind, i)
		}
		out = append(out, detect.Rule{
			Name:         name,
			Kind:         d.Kind,
			FromUserID:   d.FromUserID,
			FromUsername: d.FromUsername,
			Match:        d.Match,
			Exclude:      d.Exclude,
			Subject:      d.Subject,
			Deliver:      d.Deliver,
			OnEdit:       d.OnEdit,
			Cooldown:     cd,
		})
	}
	return out, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	st, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{SendTimeout: st, RatePerSec: cfg.Dispatch.RatePerSec, Burst: cfg.Dispatch.Burst}, nil
}

func mapAnnounceConfig(cfg *config.Config) announce.Config {
	a := cfg.Announce
	return announce.Config{Started: a.Started, Finished: a.Finished, Denied: a.Denied, ChatID: a.ChatID}
}

func mapDailyConfig(cfg *config.Config) daily.Config {
	d := cfg.Daily
	return daily.Config{Enabled: d.Enabled, Spec: d.Spec, Timezone: d.Timezone, Message: d.Message}
}

func mapHighTierConfig(cfg *config.Config) (hightier.Config, error) {
	h := cfg.HighTier
	out := hightier.Config{
		Enabled:         h.Enabled,
		FromUserID:      h.FromUserID,
		FromUsername:    h.FromUsername,
		Spawn:           h.Spawn,
		Claim:           h.Claim,
		OnNew:           h.OnNew,
		ForwardChatID:   h.ForwardChatID,
		ForwardThreadID: h.ForwardThreadID,
	}
	for _, r := range h.Rarities {
		out.Rarities = append(out.Rarities, hightier.Rarity{Name: r.Name, Match: r.Match, Priority: r.Priority, Emoji: r.Emoji, Message: r.Message})
	}
	var err error
	if out.DedupTTL, err = config.ParseDurationOrDefault("high_tier.dedup_ttl", h.DedupTTL, hightier.DefaultDedupTTL); err != nil {
		return hightier.Config{}, err
	}
	if out.CleanupInterval, err = config.ParseDurationOrDefault("high_tier.cleanup_interval", h.CleanupInterval, hightier.DefaultCleanupInterval); err != nil {
		return hightier.Config{}, err
	}
	return out, nil
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	rate := cfg.Daily.RatePerSec
	if rate <= 0 {
		rate = 10
	}
	return broadcast.Config{Workers: 1, QueueSize: 64, RatePerSec: rate, RetryMax: 1}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{Enabled: o.Enabled, Addr: o.Addr, Token: o.Token, AllowInsecure: o.AllowInsecure, Pprof: o.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// validateRuntime runs the checks that need component packages: rule
// compilation, cron specs and time zones.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapReminderConfig(cfg); err != nil {
		return err
	}
	rules, err := mapDetectorRules(cfg)
	if err != nil {
		return err
	}
	if err := detect.Validate(rules); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	hc, err := mapHighTierConfig(cfg)
	if err != nil {
		return err
	}
	if err := hightier.Validate(hc); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Daily.Spec); spec != "" {
		if err := daily.ValidateSpec(spec); err != nil {
			return fmt.Errorf("daily.spec: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Daily.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("daily.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
