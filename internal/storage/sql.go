package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore serves both SQL drivers. Queries are written with '?' and
// rebound to '$n' for postgres. Timestamps are unix milliseconds.
type sqlStore struct {
	db        *sql.DB
	log       logx.Logger
	dollar    bool
	ns        string
	opTimeout time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, cfg Config, log logx.Logger, dollar bool) (*sqlStore, error) {
	s := &sqlStore{
		db:         db,
		log:        log,
		dollar:     dollar,
		ns:         cfg.Namespace,
		opTimeout:  cfg.OpTimeout,
		pruneEvery: 500,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*s.opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// rebind rewrites '?' placeholders to '$1..$n' for postgres.
func rebind(dollar bool, q string) string {
	if !dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.ExecContext(cctx, rebind(s.dollar, q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

func (s *sqlStore) UpsertSchedule(ctx context.Context, r ScheduleRecord) error {
	payload := string(r.Context)
	if payload == "" {
		payload = "null"
	}
	_, err := s.exec(ctx,
		`INSERT INTO reminders(namespace, kind, scope_id, subject_id, context, armed_at, expire_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(namespace, kind, scope_id, subject_id)
		 DO UPDATE SET context=excluded.context, armed_at=excluded.armed_at, expire_at=excluded.expire_at`,
		s.ns, r.Key.Kind, r.Key.Scope, r.Key.Subject, payload, r.ArmedAt.UnixMilli(), r.ExpireAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, key ScheduleKey) error {
	_, err := s.exec(ctx,
		`DELETE FROM reminders WHERE namespace=? AND kind=? AND scope_id=? AND subject_id=?`,
		s.ns, key.Kind, key.Scope, key.Subject,
	)
	return err
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	return s.querySchedules(ctx,
		`SELECT kind, scope_id, subject_id, context, armed_at, expire_at FROM reminders
		 WHERE namespace=? ORDER BY expire_at, scope_id, subject_id, kind`, s.ns)
}

func (s *sqlStore) ListSchedulesByScope(ctx context.Context, scope int64) ([]ScheduleRecord, error) {
	return s.querySchedules(ctx,
		`SELECT kind, scope_id, subject_id, context, armed_at, expire_at FROM reminders
		 WHERE namespace=? AND scope_id=? ORDER BY expire_at, subject_id, kind`, s.ns, scope)
}

func (s *sqlStore) querySchedules(ctx context.Context, q string, args ...any) ([]ScheduleRecord, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(cctx, rebind(s.dollar, q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		var (
			r                 ScheduleRecord
			payload           string
			armedAt, expireAt int64
		)
		if err := rows.Scan(&r.Key.Kind, &r.Key.Scope, &r.Key.Subject, &payload, &armedAt, &expireAt); err != nil {
			return nil, err
		}
		if payload != "null" {
			r.Context = []byte(payload)
		}
		r.ArmedAt = time.UnixMilli(armedAt)
		r.ExpireAt = time.UnixMilli(expireAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteExpiredSchedules(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM reminders WHERE namespace=? AND expire_at <= ?`, s.ns, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- subscriptions ----

func (s *sqlStore) GetSubscription(ctx context.Context, scope int64) (Subscription, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	var expireAt, updatedAt int64
	err := s.db.QueryRowContext(cctx,
		rebind(s.dollar, `SELECT expire_at, updated_at FROM subscriptions WHERE namespace=? AND scope_id=?`), s.ns, scope,
	).Scan(&expireAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{Scope: scope, ExpireAt: time.UnixMilli(expireAt), UpdatedAt: time.UnixMilli(updatedAt)}, nil
}

func (s *sqlStore) PutSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.exec(ctx,
		`INSERT INTO subscriptions(namespace, scope_id, expire_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(namespace, scope_id) DO UPDATE SET expire_at=excluded.expire_at, updated_at=excluded.updated_at`,
		s.ns, sub.Scope, sub.ExpireAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteSubscription(ctx context.Context, scope int64) error {
	_, err := s.exec(ctx, `DELETE FROM subscriptions WHERE namespace=? AND scope_id=?`, s.ns, scope)
	return err
}

func (s *sqlStore) PutCode(ctx context.Context, c ActivationCode) error {
	_, err := s.exec(ctx,
		`INSERT INTO subscription_codes(namespace, code, scope_id, expire_at, created_by, created_at) VALUES(?,?,?,?,?,?)`,
		s.ns, c.Code, c.Scope, c.ExpireAt.UnixMilli(), c.CreatedBy, c.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) TakeCode(ctx context.Context, code string) (ActivationCode, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(cctx, nil)
	if err != nil {
		return ActivationCode{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c := ActivationCode{Code: code}
	var expireAt, createdAt int64
	err = tx.QueryRowContext(cctx,
		rebind(s.dollar, `SELECT scope_id, expire_at, created_by, created_at FROM subscription_codes WHERE namespace=? AND code=?`), s.ns, code,
	).Scan(&c.Scope, &expireAt, &c.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ActivationCode{}, ErrNotFound
	}
	if err != nil {
		return ActivationCode{}, err
	}
	res, err := tx.ExecContext(cctx, rebind(s.dollar, `DELETE FROM subscription_codes WHERE namespace=? AND code=?`), s.ns, code)
	if err != nil {
		return ActivationCode{}, err
	}
	// A concurrent taker already consumed it.
	if n, _ := res.RowsAffected(); n == 0 {
		return ActivationCode{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return ActivationCode{}, err
	}
	c.ExpireAt = time.UnixMilli(expireAt)
	c.CreatedAt = time.UnixMilli(createdAt)
	return c, nil
}

// ---- daily subscribers ----

func (s *sqlStore) ToggleDaily(ctx context.Context, scope, subject int64) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM daily_subscribers WHERE namespace=? AND scope_id=? AND subject_id=?`, s.ns, scope, subject)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = s.exec(ctx,
		`INSERT INTO daily_subscribers(namespace, scope_id, subject_id, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(namespace, scope_id, subject_id) DO NOTHING`,
		s.ns, scope, subject, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) ListDaily(ctx context.Context, scope int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT subject_id FROM daily_subscribers WHERE namespace=? AND scope_id=? ORDER BY subject_id`, s.ns, scope)
}

func (s *sqlStore) ListDailyScopes(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT DISTINCT scope_id FROM daily_subscribers WHERE namespace=? ORDER BY scope_id`, s.ns)
}

func (s *sqlStore) queryIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(cctx, rebind(s.dollar, q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- chat settings and high-tier members ----

func (s *sqlStore) GetChatSettings(ctx context.Context, scope int64) (ChatSettings, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	cs := ChatSettings{Scope: scope}
	var highTier, updatedAt int64
	err := s.db.QueryRowContext(cctx,
		rebind(s.dollar, `SELECT high_tier, daily_log_chat, daily_log_thread, updated_at FROM chat_settings
		 WHERE namespace=? AND scope_id=?`), s.ns, scope,
	).Scan(&highTier, &cs.DailyLogChat, &cs.DailyLogThread, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cs, nil
	}
	if err != nil {
		return ChatSettings{}, err
	}
	cs.HighTier = highTier != 0
	cs.UpdatedAt = time.UnixMilli(updatedAt)
	return cs, nil
}

func (s *sqlStore) SetHighTier(ctx context.Context, scope int64, on bool) error {
	flag := 0
	if on {
		flag = 1
	}
	_, err := s.exec(ctx,
		`INSERT INTO chat_settings(namespace, scope_id, high_tier, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(namespace, scope_id) DO UPDATE SET high_tier=excluded.high_tier, updated_at=excluded.updated_at`,
		s.ns, scope, flag, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) SetDailyLog(ctx context.Context, scope, chatID int64, threadID int) error {
	_, err := s.exec(ctx,
		`INSERT INTO chat_settings(namespace, scope_id, daily_log_chat, daily_log_thread, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(namespace, scope_id) DO UPDATE SET daily_log_chat=excluded.daily_log_chat,
		 daily_log_thread=excluded.daily_log_thread, updated_at=excluded.updated_at`,
		s.ns, scope, chatID, threadID, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) SetHighTierMember(ctx context.Context, scope, subject int64, on bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if on {
		res, err = s.exec(ctx,
			`INSERT INTO high_tier_members(namespace, scope_id, subject_id, created_at) VALUES(?,?,?,?)
			 ON CONFLICT(namespace, scope_id, subject_id) DO NOTHING`,
			s.ns, scope, subject, time.Now().UnixMilli(),
		)
	} else {
		res, err = s.exec(ctx,
			`DELETE FROM high_tier_members WHERE namespace=? AND scope_id=? AND subject_id=?`,
			s.ns, scope, subject,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) ListHighTierMembers(ctx context.Context, scope int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT subject_id FROM high_tier_members WHERE namespace=? AND scope_id=? ORDER BY subject_id`, s.ns, scope)
}

// ---- notifier dedup ----

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup(namespace, key, until) VALUES(?,?,?)
		 ON CONFLICT(namespace, key) DO UPDATE SET until=excluded.until`,
		s.ns, key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		if _, perr := s.exec(context.Background(), `DELETE FROM dedup WHERE namespace=? AND until < ?`, s.ns, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ms int64
	err := s.db.QueryRowContext(cctx, rebind(s.dollar, `SELECT until FROM dedup WHERE namespace=? AND key=?`), s.ns, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
