package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var storageDrivers = map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true}

// Validate checks field shapes: durations, drivers, enums and regexes. It
// does not touch the network or the filesystem. The bot token is checked by
// the run command only, so offline tools work without one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id: required when enabled"))
	}

	drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch {
	case drv == "":
		add(errors.New("storage.driver: required"))
	case !storageDrivers[drv]:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	case (drv == "file" || drv == "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "":
		add(fmt.Errorf("storage.path: required for %s", drv))
	case drv == "postgres" && strings.TrimSpace(cfg.Storage.DSN) == "":
		add(fmt.Errorf("storage.dsn: required for postgres (set it or %s)", EnvDatabaseURL))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.op_timeout", cfg.Storage.OpTimeout)

	dur("reminders.default_cooldown", cfg.Reminders.DefaultCooldown)
	dur("reminders.sweep_interval", cfg.Reminders.SweepInterval)
	dur("reminders.fire_timeout", cfg.Reminders.FireTimeout)
	for name, k := range cfg.Reminders.Kinds {
		if strings.TrimSpace(name) == "" {
			add(errors.New("reminders.kinds: empty kind name"))
		}
		dur("reminders.kinds."+name+".cooldown", k.Cooldown)
	}

	seen := map[string]bool{}
	for i, d := range cfg.Detectors {
		path := fmt.Sprintf("detectors[%d]", i)
		if d.Name != "" {
			if seen[d.Name] {
				add(fmt.Errorf("%s.name: duplicate %q", path, d.Name))
			}
			seen[d.Name] = true
		}
		if strings.TrimSpace(d.Kind) == "" {
			add(fmt.Errorf("%s.kind: required", path))
		}
		if strings.TrimSpace(d.Match) == "" {
			add(fmt.Errorf("%s.match: required", path))
		}
		for field, re := range map[string]string{"match": d.Match, "exclude": d.Exclude} {
			if re == "" {
				continue
			}
			if _, err := regexp.Compile(re); err != nil {
				add(fmt.Errorf("%s.%s: %w", path, field, err))
			}
		}
		switch d.Subject {
		case "", "sender", "mention", "match":
		default:
			add(fmt.Errorf("%s.subject: want sender, mention or match, got %q", path, d.Subject))
		}
		switch d.Deliver {
		case "", "chat", "direct":
		default:
			add(fmt.Errorf("%s.deliver: want chat or direct, got %q", path, d.Deliver))
		}
		dur(path+".cooldown", d.Cooldown)
	}

	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if cfg.Dispatch.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec: must be >= 0"))
	}

	ht := cfg.HighTier
	for field, re := range map[string]string{"spawn": ht.Spawn, "claim": ht.Claim} {
		if re == "" {
			continue
		}
		if _, err := regexp.Compile(re); err != nil {
			add(fmt.Errorf("high_tier.%s: %w", field, err))
		}
	}
	for i, r := range ht.Rarities {
		path := fmt.Sprintf("high_tier.rarities[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			add(fmt.Errorf("%s.name: required", path))
		}
		if strings.TrimSpace(r.Match) == "" {
			add(fmt.Errorf("%s.match: required", path))
		} else if _, err := regexp.Compile(r.Match); err != nil {
			add(fmt.Errorf("%s.match: %w", path, err))
		}
	}
	dur("high_tier.dedup_ttl", ht.DedupTTL)
	dur("high_tier.cleanup_interval", ht.CleanupInterval)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}
	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)
	return errors.Join(errs...)
}
