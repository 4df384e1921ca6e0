package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"

	_ "github.com/lib/pq"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required (storage.dsn or DATABASE_URL)")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st, err := newSQLStore(db, cfg, log, true)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	log.Info("postgres storage opened", logx.String("namespace", cfg.Namespace))
	return st, nil
}
