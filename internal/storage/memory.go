package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in maps. Every mutation is expressed as a
// journalOp; the file driver writes the op before it is applied, so a failed
// write leaves memory untouched.
type memStore struct {
	mu     sync.Mutex
	st     memState
	closed bool

	// journal persists op before it is applied. nil for pure memory.
	journal func(op journalOp) error
}

type memState struct {
	schedules map[ScheduleKey]ScheduleRecord
	subs      map[int64]Subscription
	codes     map[string]ActivationCode
	daily     map[int64]map[int64]struct{}
	settings  map[int64]ChatSettings
	highTier  map[int64]map[int64]struct{}
	dedup     map[string]int64 // unix milli
}

type journalOp struct {
	Op           string          `json:"op"`
	Schedule     *ScheduleRecord `json:"schedule,omitempty"`
	Key          *ScheduleKey    `json:"key,omitempty"`
	Before       int64           `json:"before,omitempty"`
	Subscription *Subscription   `json:"subscription,omitempty"`
	Code         *ActivationCode `json:"code,omitempty"`
	CodeID       string          `json:"code_id,omitempty"`
	Scope        int64           `json:"scope,omitempty"`
	Subject      int64           `json:"subject,omitempty"`
	DedupKey     string          `json:"dedup_key,omitempty"`
	Until        int64           `json:"until,omitempty"`
	On           bool            `json:"on,omitempty"`
	LogChat      int64           `json:"log_chat,omitempty"`
	LogThread    int             `json:"log_thread,omitempty"`
	At           int64           `json:"at,omitempty"`
}

const (
	opSchedulePut    = "schedule.put"
	opScheduleDel    = "schedule.del"
	opScheduleExpire = "schedule.expire"
	opSubPut         = "sub.put"
	opSubDel         = "sub.del"
	opCodePut        = "code.put"
	opCodeDel        = "code.del"
	opDailyAdd       = "daily.add"
	opDailyDel       = "daily.del"
	opDedupPut       = "dedup.put"
	opSetHighTier    = "settings.high_tier"
	opSetDailyLog    = "settings.daily_log"
	opHighTierAdd    = "high_tier.add"
	opHighTierDel    = "high_tier.del"
)

func newMemState() memState {
	return memState{
		schedules: map[ScheduleKey]ScheduleRecord{},
		subs:      map[int64]Subscription{},
		codes:     map[string]ActivationCode{},
		daily:     map[int64]map[int64]struct{}{},
		settings:  map[int64]ChatSettings{},
		highTier:  map[int64]map[int64]struct{}{},
		dedup:     map[string]int64{},
	}
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memStore{st: newMemState()}
}

func (st *memState) apply(op journalOp) {
	switch op.Op {
	case opSchedulePut:
		if op.Schedule != nil {
			st.schedules[op.Schedule.Key] = *op.Schedule
		}
	case opScheduleDel:
		if op.Key != nil {
			delete(st.schedules, *op.Key)
		}
	case opScheduleExpire:
		before := time.UnixMilli(op.Before)
		for k, r := range st.schedules {
			if r.Expired(before) {
				delete(st.schedules, k)
			}
		}
	case opSubPut:
		if op.Subscription != nil {
			st.subs[op.Subscription.Scope] = *op.Subscription
		}
	case opSubDel:
		delete(st.subs, op.Scope)
	case opCodePut:
		if op.Code != nil {
			st.codes[op.Code.Code] = *op.Code
		}
	case opCodeDel:
		delete(st.codes, op.CodeID)
	case opDailyAdd:
		addMember(st.daily, op.Scope, op.Subject)
	case opDailyDel:
		delMember(st.daily, op.Scope, op.Subject)
	case opHighTierAdd:
		addMember(st.highTier, op.Scope, op.Subject)
	case opHighTierDel:
		delMember(st.highTier, op.Scope, op.Subject)
	case opSetHighTier:
		cs := st.settings[op.Scope]
		cs.Scope, cs.HighTier, cs.UpdatedAt = op.Scope, op.On, time.UnixMilli(op.At)
		st.settings[op.Scope] = cs
	case opSetDailyLog:
		cs := st.settings[op.Scope]
		cs.Scope, cs.DailyLogChat, cs.DailyLogThread, cs.UpdatedAt = op.Scope, op.LogChat, op.LogThread, time.UnixMilli(op.At)
		st.settings[op.Scope] = cs
	case opDedupPut:
		st.dedup[op.DedupKey] = op.Until
	}
}

func addMember(sets map[int64]map[int64]struct{}, scope, subject int64) {
	set := sets[scope]
	if set == nil {
		set = map[int64]struct{}{}
		sets[scope] = set
	}
	set[subject] = struct{}{}
}

func delMember(sets map[int64]map[int64]struct{}, scope, subject int64) {
	if set := sets[scope]; set != nil {
		delete(set, subject)
		if len(set) == 0 {
			delete(sets, scope)
		}
	}
}

func sortedMembers(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *memStore) commitLocked(op journalOp) error {
	if s.closed {
		return ErrClosed
	}
	if s.journal != nil {
		if err := s.journal(op); err != nil {
			return err
		}
	}
	s.st.apply(op)
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) UpsertSchedule(ctx context.Context, r ScheduleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.Context = append([]byte(nil), r.Context...)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opSchedulePut, Schedule: &r})
}

func (s *memStore) DeleteSchedule(ctx context.Context, key ScheduleKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.schedules[key]; !ok {
		if s.closed {
			return ErrClosed
		}
		return nil
	}
	return s.commitLocked(journalOp{Op: opScheduleDel, Key: &key})
}

func (s *memStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	return s.listSchedules(ctx, func(ScheduleRecord) bool { return true })
}

func (s *memStore) ListSchedulesByScope(ctx context.Context, scope int64) ([]ScheduleRecord, error) {
	return s.listSchedules(ctx, func(r ScheduleRecord) bool { return r.Key.Scope == scope })
}

func (s *memStore) listSchedules(ctx context.Context, keep func(ScheduleRecord) bool) ([]ScheduleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]ScheduleRecord, 0, len(s.st.schedules))
	for _, r := range s.st.schedules {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortSchedules(out)
	return out, nil
}

// sortSchedules orders by deadline, then key, so listings are stable.
func sortSchedules(rs []ScheduleRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ExpireAt.Equal(rs[j].ExpireAt) {
			return rs[i].ExpireAt.Before(rs[j].ExpireAt)
		}
		return rs[i].Key.String() < rs[j].Key.String()
	})
}

func (s *memStore) DeleteExpiredSchedules(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// The journal records millisecond precision; count with the same cutoff.
	before = time.UnixMilli(before.UnixMilli())
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.st.schedules {
		if r.Expired(before) {
			n++
		}
	}
	if n == 0 {
		if s.closed {
			return 0, ErrClosed
		}
		return 0, nil
	}
	if err := s.commitLocked(journalOp{Op: opScheduleExpire, Before: before.UnixMilli()}); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *memStore) GetSubscription(ctx context.Context, scope int64) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}, ErrClosed
	}
	sub, ok := s.st.subs[scope]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *memStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opSubPut, Subscription: &sub})
}

func (s *memStore) DeleteSubscription(ctx context.Context, scope int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opSubDel, Scope: scope})
}

func (s *memStore) PutCode(ctx context.Context, c ActivationCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opCodePut, Code: &c})
}

func (s *memStore) TakeCode(ctx context.Context, code string) (ActivationCode, error) {
	if err := ctx.Err(); err != nil {
		return ActivationCode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ActivationCode{}, ErrClosed
	}
	c, ok := s.st.codes[code]
	if !ok {
		return ActivationCode{}, ErrNotFound
	}
	if err := s.commitLocked(journalOp{Op: opCodeDel, CodeID: code}); err != nil {
		return ActivationCode{}, err
	}
	return c, nil
}

func (s *memStore) ToggleDaily(ctx context.Context, scope, subject int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, on := s.st.daily[scope][subject]
	op := journalOp{Op: opDailyAdd, Scope: scope, Subject: subject}
	if on {
		op.Op = opDailyDel
	}
	if err := s.commitLocked(op); err != nil {
		return on, err
	}
	return !on, nil
}

func (s *memStore) ListDaily(ctx context.Context, scope int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMembers(s.st.daily[scope]), nil
}

func (s *memStore) ListDailyScopes(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]int64, 0, len(s.st.daily))
	for scope := range s.st.daily {
		out = append(out, scope)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) GetChatSettings(ctx context.Context, scope int64) (ChatSettings, error) {
	if err := ctx.Err(); err != nil {
		return ChatSettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ChatSettings{}, ErrClosed
	}
	cs, ok := s.st.settings[scope]
	if !ok {
		return ChatSettings{Scope: scope}, nil
	}
	return cs, nil
}

func (s *memStore) SetHighTier(ctx context.Context, scope int64, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opSetHighTier, Scope: scope, On: on, At: time.Now().UnixMilli()})
}

func (s *memStore) SetDailyLog(ctx context.Context, scope, chatID int64, threadID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opSetDailyLog, Scope: scope, LogChat: chatID, LogThread: threadID, At: time.Now().UnixMilli()})
}

func (s *memStore) SetHighTierMember(ctx context.Context, scope, subject int64, on bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.st.highTier[scope][subject]
	if present == on {
		if s.closed {
			return false, ErrClosed
		}
		return false, nil
	}
	op := journalOp{Op: opHighTierAdd, Scope: scope, Subject: subject}
	if !on {
		op.Op = opHighTierDel
	}
	if err := s.commitLocked(op); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memStore) ListHighTierMembers(ctx context.Context, scope int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMembers(s.st.highTier[scope]), nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opDedupPut, DedupKey: key, Until: until.UnixMilli()})
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	ms, ok := s.st.dedup[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
