package app

import (
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/config"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	op, err := config.ParseDurationField("storage.op_timeout", sc.OpTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:    driver,
		Path:      strings.TrimSpace(sc.Path),
		DSN:       strings.TrimSpace(sc.DSN),
		OpTimeout: op,
		Namespace: strings.TrimSpace(sc.Namespace),
	}
	if driver == "sqlite" || driver == "sqlite3" {
		out.BusyTimeout = busy
	}
	return out, nil
}
