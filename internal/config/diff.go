package config

import (
	"reflect"
	"strings"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets (token, DSN) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Int("reminders.kinds", len(newCfg.Reminders.Kinds)),
			logx.String("reminders.default_cooldown", newCfg.Reminders.DefaultCooldown),
		)
	}
	if !reflect.DeepEqual(oldCfg.Detectors, newCfg.Detectors) {
		changed = append(changed, "detectors")
		attrs = append(attrs, logx.Int("detectors.count", len(newCfg.Detectors)))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
	}
	if oldCfg.Announce != newCfg.Announce {
		changed = append(changed, "announce")
	}
	if oldCfg.Daily != newCfg.Daily {
		changed = append(changed, "daily")
		attrs = append(attrs, logx.Bool("daily.enabled", newCfg.Daily.Enabled), logx.String("daily.spec", newCfg.Daily.Spec))
	}
	if !reflect.DeepEqual(oldCfg.HighTier, newCfg.HighTier) {
		changed = append(changed, "high_tier")
		attrs = append(attrs,
			logx.Bool("high_tier.enabled", newCfg.HighTier.Enabled),
			logx.Int64("high_tier.forward_chat_id", newCfg.HighTier.ForwardChatID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_changed", oldCfg.Ops.Token != newCfg.Ops.Token),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram.token/poll_timeout")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Reminders.SweepInterval != newCfg.Reminders.SweepInterval || oldCfg.Reminders.FireTimeout != newCfg.Reminders.FireTimeout {
		out = append(out, "reminders.sweep_interval/fire_timeout")
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		out = append(out, "dispatch")
	}
	return out
}
