package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// fileStore is the dependency-free persistent driver.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten via tmp + rename)
//   - <prefix>.journal.jsonl (ops appended and fsynced since the snapshot)
//
// The journal is folded into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journalFile  *os.File
	writes       int
}

const compactEvery = 500

type fileSnapshot struct {
	Schedules     []ScheduleRecord  `json:"schedules"`
	Subscriptions []Subscription    `json:"subscriptions"`
	Codes         []ActivationCode  `json:"codes"`
	Daily         map[int64][]int64 `json:"daily"`
	Settings      []ChatSettings    `json:"settings,omitempty"`
	HighTier      map[int64][]int64 `json:"high_tier,omitempty"`
	Dedup         map[string]int64  `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     &memStore{st: st},
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
	}
	fs.memStore.journal = fs.append
	log.Info("file storage opened",
		logx.String("path", snapPath),
		logx.Int("schedules", len(st.schedules)),
		logx.Int("journal_ops", replayed),
	)
	return fs, nil
}

// append runs under memStore.mu.
func (s *fileStore) append(op journalOp) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := s.journalFile.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// apply is idempotent; fold op in now so the snapshot includes it.
		s.st.apply(op)
		if err := s.compact(s.st); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	cerr := s.compact(s.st)
	err := s.journalFile.Close()
	s.journalFile = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) compact(st memState) error {
	if err := writeSnapshot(s.snapshotPath, st); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func writeSnapshot(path string, st memState) error {
	snap := fileSnapshot{Daily: map[int64][]int64{}, Dedup: st.dedup}
	for _, r := range st.schedules {
		snap.Schedules = append(snap.Schedules, r)
	}
	sortSchedules(snap.Schedules)
	for _, sub := range st.subs {
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	for _, c := range st.codes {
		snap.Codes = append(snap.Codes, c)
	}
	for scope, set := range st.daily {
		snap.Daily[scope] = sortedMembers(set)
	}
	for _, cs := range st.settings {
		snap.Settings = append(snap.Settings, cs)
	}
	if len(st.highTier) > 0 {
		snap.HighTier = make(map[int64][]int64, len(st.highTier))
		for scope, set := range st.highTier {
			snap.HighTier[scope] = sortedMembers(set)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Schedules {
		st.schedules[r.Key] = r
	}
	for _, sub := range snap.Subscriptions {
		st.subs[sub.Scope] = sub
	}
	for _, c := range snap.Codes {
		st.codes[c.Code] = c
	}
	for scope, ids := range snap.Daily {
		for _, id := range ids {
			addMember(st.daily, scope, id)
		}
	}
	for _, cs := range snap.Settings {
		st.settings[cs.Scope] = cs
	}
	for scope, ids := range snap.HighTier {
		for _, id := range ids {
			addMember(st.highTier, scope, id)
		}
	}
	for k, v := range snap.Dedup {
		st.dedup[k] = v
	}
	return nil
}

// replayJournal applies every decodable line. A torn final line from a crash
// mid-write is skipped.
func replayJournal(path string, st *memState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Op == "" {
			continue
		}
		st.apply(op)
		n++
	}
	return n, sc.Err()
}
