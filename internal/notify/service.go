package notify

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ocibot/internal/transport"
	"ocibot/pkg/logx"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type job struct {
	e        Event
	dedupKey string
}

// Service is the async notification pipeline. It is safe for concurrent use
// and implements Sink.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender

	cfg     Config
	limiter *rate.Limiter

	queue     chan job
	accepting bool

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender transport.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     log.With(logx.String("comp", "notify")),
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	queue := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop(runCtx, queue)
		}()
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// Stop ends intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(q)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// Notify enqueues fire-and-forget. Full queue, disabled pipeline or missing
// chat target all degrade to a debug log, never an error.
func (s *Service) Notify(e Event) {
	if e.ChatID == 0 {
		return
	}

	key := e.dedupKey(s.dedupWindow())
	if key != "" && s.suppressed(key) {
		s.log.Debug("notification deduplicated", logx.String("account", e.AccountID), logx.String("kind", string(e.Kind)))
		return
	}

	s.mu.Lock()
	q := s.queue
	ok := s.accepting
	s.mu.Unlock()
	if q == nil || !ok {
		return
	}

	select {
	case q <- job{e: e, dedupKey: key}:
	default:
		s.log.Warn("notification queue full; dropping",
			logx.String("account", e.AccountID), logx.String("kind", string(e.Kind)))
	}
}

func (s *Service) dedupWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DedupWindow
}

func (s *Service) suppressed(key string) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return true
	}
	// Opportunistic bound: drop expired entries when the map grows.
	if len(s.dedup) >= s.cfg.DedupMaxEntries {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return false
}

func (s *Service) workerLoop(ctx context.Context, queue <-chan job) {
	for j := range queue {
		if ctx.Err() != nil {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.sendWithRetry(ctx, j.e)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, e Event) {
	to := transport.ChatTarget{ChatID: e.ChatID}
	var err error
	for attempt := 0; ; attempt++ {
		err = s.sender.SendText(ctx, to, e.Message, &transport.SendOptions{DisablePreview: true})
		if err == nil {
			return
		}
		if attempt >= s.cfg.RetryMax || ctx.Err() != nil {
			break
		}
		delay := retryDelay(s.cfg.RetryBase, s.cfg.RetryMaxDelay, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	// Swallowed: notification failure must never affect worker state.
	s.log.Warn("notification delivery failed",
		logx.String("account", e.AccountID), logx.String("kind", string(e.Kind)), logx.Err(err))
}

// retryDelay: exponential growth with 20% jitter, capped.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	j := int64(d / 5)
	if j > 0 {
		d += time.Duration(rand.Int64N(j+1)) - time.Duration(j/2)
	}
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}
