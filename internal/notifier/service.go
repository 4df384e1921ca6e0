package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	rtsup "github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
	"golang.org/x/time/rate"
)

type job struct {
	n   kit.Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  storage.DedupStore

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup
	stopping  chan struct{}

	dedup *dedupCache

	hmu     sync.Mutex
	history []HistoryItem
}

// New returns a stopped service. store may be nil.
func New(cfg Config, sender kit.Sender, bus eventbus.Bus, store storage.DedupStore, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{log: log, sender: sender, bus: bus, store: store, dedup: newDedupCache()}
	s.Apply(cfg)
	return s
}

// Apply swaps limits and dedup policy. Worker and queue sizes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if stopping := s.stopping; stopping != nil {
		s.mu.Unlock()
		select {
		case <-stopping:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
		pch := s.persistCh
		s.sup.Go0("dedup.persist", func(c context.Context) { s.persistLoop(c, pch) })
	}
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, q)
			if c.Err() != nil || s.isStopping() {
				return context.Canceled
			}
			return errors.New("notifier worker exited")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

func (s *Service) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping != nil
}

// Stop refuses new notices and drains the queue until ctx is done; after
// that pending notices are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if stopping := s.stopping; stopping != nil {
		s.mu.Unlock()
		select {
		case <-stopping:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	q, pch, sup := s.queue, s.persistCh, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.stopping = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues n. A duplicate inside the dedup window returns nil
// without sending.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg, q, pch := s.cfg, s.queue, s.persistCh
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if key != "" && cfg.DedupWindow > 0 {
		var persisted storage.DedupStore
		if cfg.PersistDedup {
			persisted = s.store
		}
		until, ok := s.dedup.claim(ctx, key, time.Now(), cfg.DedupWindow, cfg.DedupMaxEntries, persisted)
		if !ok {
			s.publish(EventDeduped, n, key, nil)
			return nil
		}
		if pch != nil {
			select {
			case pch <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case q <- job{n: n, key: key}:
		s.publish(EventQueued, n, key, nil)
		return nil
	default:
		s.publish(EventDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recently sent notices, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(n kit.Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: n.Channel, Text: n.Text})
	if over := len(s.history) - 200; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	ev := Event{Channel: n.Channel, ChatID: n.Target.ChatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err = s.sender.SendText(sctx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.remember(j.n)
			s.publish(EventSent, j.n, j.key, nil)
			return
		}
		s.log.Debug("notice send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.log.Warn("notice dropped after retries", logx.String("channel", j.n.Channel), logx.Int64("chat_id", j.n.Target.ChatID), logx.Err(err))
	s.publish(EventFailed, j.n, j.key, err)
}

// backoff doubles from RetryBase up to RetryCap with 0.7..1.3 jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryCap; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryCap)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryCap)
}
