// Package broadcast sends one text to many chats in the background, one
// job at a time per worker, under a shared rate limit.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rtsup "github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"golang.org/x/time/rate"
)

var (
	ErrStopped   = errors.New("broadcast: stopped")
	ErrQueueFull = errors.New("broadcast: queue full")
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// RetryMax is extra attempts per target. 0 sends once.
	RetryMax int
}

type Job struct {
	Name    string
	Targets []kit.ChatTarget
	Text    string
	Options *kit.SendOptions

	// OnResult runs on the worker after each target with the final error
	// of that target.
	OnResult func(t kit.ChatTarget, err error)
	// OnDone runs once after the last target with the job's final status.
	OnDone func(st Status)
}

type Status struct {
	ID        string
	Name      string
	Total     int
	Sent      int
	Failed    int
	Failures  []kit.ChatTarget
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
}

func (s Status) Done() bool { return !s.DoneAt.IsZero() }

const (
	statusMax     = 200
	statusTTL     = 24 * time.Hour
	failuresLimit = 100
)

type queued struct {
	id string
	Job
}

type Service struct {
	log    logx.Logger
	sender kit.Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan queued
	sup     *rtsup.Supervisor
	seq     uint64

	smu    sync.RWMutex
	status map[string]*Status
}

func New(cfg Config, sender kit.Sender, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	return &Service{
		log:     log,
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		status:  map[string]*Status{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan queued, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart0(fmt.Sprintf("broadcast.%d", i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case j := <-q:
					s.run(c, j)
				}
			}
		})
	}
}

// Stop abandons queued jobs and waits for running ones until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.queue = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Submit queues a job and returns its id.
func (s *Service) Submit(j Job) (string, error) {
	s.mu.Lock()
	q := s.queue
	s.seq++
	id := fmt.Sprintf("bc-%d-%d", time.Now().Unix(), s.seq)
	s.mu.Unlock()
	if q == nil {
		return "", ErrStopped
	}

	now := time.Now()
	s.smu.Lock()
	s.pruneLocked(now)
	s.status[id] = &Status{ID: id, Name: j.Name, Total: len(j.Targets), CreatedAt: now}
	s.smu.Unlock()

	select {
	case q <- queued{id: id, Job: j}:
		return id, nil
	default:
		s.smu.Lock()
		delete(s.status, id)
		s.smu.Unlock()
		return "", ErrQueueFull
	}
}

func (s *Service) Status(id string) (Status, bool) {
	s.smu.RLock()
	defer s.smu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return Status{}, false
	}
	cp := *st
	cp.Failures = append([]kit.ChatTarget(nil), st.Failures...)
	return cp, true
}

func (s *Service) update(id string, fn func(st *Status)) {
	s.smu.Lock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
	s.smu.Unlock()
}

func (s *Service) pruneLocked(now time.Time) {
	for id, st := range s.status {
		if st.Done() && now.Sub(st.DoneAt) > statusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) < statusMax {
		return
	}
	done := make([]*Status, 0, len(s.status))
	for _, st := range s.status {
		if st.Done() {
			done = append(done, st)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].DoneAt.Before(done[j].DoneAt) })
	for i := 0; i < len(done) && len(s.status) >= statusMax; i++ {
		delete(s.status, done[i].ID)
	}
}

func (s *Service) run(ctx context.Context, j queued) {
	start := time.Now()
	s.update(j.id, func(st *Status) { st.StartedAt = start })

	for _, t := range j.Targets {
		err := s.sendOne(ctx, t, j.Text, j.Options)
		s.update(j.id, func(st *Status) {
			if err == nil {
				st.Sent++
				return
			}
			st.Failed++
			if len(st.Failures) < failuresLimit {
				st.Failures = append(st.Failures, t)
			}
		})
		if j.OnResult != nil {
			j.OnResult(t, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.update(j.id, func(st *Status) { st.DoneAt = time.Now() })

	st, _ := s.Status(j.id)
	if j.OnDone != nil {
		j.OnDone(st)
	}
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.Name),
		logx.Int("total", st.Total),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
		logx.Duration("took", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
		return
	}
	s.log.Info("broadcast finished", fields...)
}

func (s *Service) sendOne(ctx context.Context, t kit.ChatTarget, text string, opt *kit.SendOptions) error {
	s.mu.Lock()
	lim, retries := s.limiter, s.cfg.RetryMax
	s.mu.Unlock()

	var last error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, last = s.sender.SendText(sctx, t, text, opt)
		cancel()
		if last == nil {
			return nil
		}
	}
	s.log.Debug("broadcast target failed", logx.Int64("chat_id", t.ChatID), logx.Err(last))
	return last
}
