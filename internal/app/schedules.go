package app

import (
	"context"

	"github.com/Lunaria-Bot/MemAssistant/internal/config"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// Offline schedule tools. They open the configured store directly and need
// neither a token nor a running bot. Running them against a file store that
// a live bot holds open is not supported.

func openStore(cfgPath string, log logx.Logger) (storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// ListSchedules returns the persisted records, all of them when scope is 0.
func ListSchedules(ctx context.Context, cfgPath string, scope int64, log logx.Logger) ([]storage.ScheduleRecord, error) {
	store, err := openStore(cfgPath, log)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if scope != 0 {
		return store.ListSchedulesByScope(ctx, scope)
	}
	return store.ListSchedules(ctx)
}

// SweepSchedules runs one sweep pass and returns the number of records removed.
func SweepSchedules(ctx context.Context, cfgPath string, log logx.Logger) (int64, error) {
	store, err := openStore(cfgPath, log)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	svc := reminder.New(reminder.Config{}, reminder.Deps{Store: store, Log: log})
	return svc.Sweep(ctx)
}
