package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"albumbot/internal/eventbus"
	"albumbot/internal/storage"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

// Service delivers finalized batches to their destination, one at a time per
// destination, honoring provider throttling and pacing.
//
// Submissions run on the service context, not the submitting session's: a
// session reset never aborts an in-flight delivery, so the destination always
// receives whole albums.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	runCtx  context.Context

	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store

	// Per-destination pacing clocks. destState.mu also serializes concurrent
	// submissions targeting the same destination.
	destMu sync.Mutex
	dests  map[string]*destState

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

// destState is the shared pacing clock for one destination. lastSend is
// mutated read-then-write under mu so two submissions never compute the same
// next-allowed time.
type destState struct {
	mu        sync.Mutex
	lastSend  time.Time
	lastDelay time.Duration
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		store:   store,
		dests:   map[string]*destState{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.PacingMin <= 0 {
		cfg.PacingMin = 3 * time.Second
	}
	if cfg.PacingMax < cfg.PacingMin {
		cfg.PacingMax = cfg.PacingMin
	}
	if cfg.PacingMinDiff < 0 {
		cfg.PacingMinDiff = 0
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start binds submissions to ctx. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.runCtx == nil {
		s.runCtx = ctx
	}
	s.mu.Unlock()
}

// Stop waits for in-flight submissions, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached with deliveries in flight")
	}
}

// Submit queues one album delivery and returns a finite outcome stream, one
// Outcome per batch in order. The channel closes after the last batch; the
// stream is not restartable. Duplicate group keys inside the dedup window are
// rejected up front with ErrDuplicateGroup.
func (s *Service) Submit(req Request) (<-chan Outcome, error) {
	if len(req.Batches) == 0 {
		return nil, ErrEmptySubmit
	}
	if req.Dest.IsZero() {
		return nil, ErrNoDestination
	}
	for _, b := range req.Batches {
		if len(b.Items) == 0 {
			return nil, ErrEmptySubmit
		}
	}

	s.mu.Lock()
	ctx := s.runCtx
	cfg := s.cfg
	s.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotStarted
	}

	if cfg.DedupWindow > 0 && s.store != nil && req.GroupKey != "" {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, dedupKey(req))
		cancel()
		if err == nil && ok && time.Now().Before(until) {
			s.log.Info("duplicate group suppressed",
				logx.String("group", req.GroupKey), logx.String("dest", req.Dest.Key()), logx.Time("until", until))
			return nil, ErrDuplicateGroup
		}
	}

	out := make(chan Outcome, len(req.Batches))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.run(ctx, cfg, req, out)
	}()
	return out, nil
}

func (s *Service) dest(key string) *destState {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	ds, ok := s.dests[key]
	if !ok {
		ds = &destState{}
		s.dests[key] = ds
	}
	return ds
}

// nextDelay draws a jittered inter-batch delay that differs from the previous
// one by at least PacingMinDiff. Caller holds ds.mu.
func (s *Service) nextDelay(cfg Config, ds *destState) time.Duration {
	min, max := cfg.PacingMin, cfg.PacingMax
	if max <= min {
		ds.lastDelay = min
		return min
	}
	span := int64(max - min)

	s.rngMu.Lock()
	d := min + time.Duration(s.rng.Int63n(span+1))
	for i := 0; i < 8 && ds.lastDelay > 0 && absDur(d-ds.lastDelay) < cfg.PacingMinDiff; i++ {
		d = min + time.Duration(s.rng.Int63n(span+1))
	}
	s.rngMu.Unlock()

	// Re-rolls exhausted: force the minimum separation within bounds.
	if ds.lastDelay > 0 && absDur(d-ds.lastDelay) < cfg.PacingMinDiff {
		if ds.lastDelay+cfg.PacingMinDiff <= max {
			d = ds.lastDelay + cfg.PacingMinDiff
		} else {
			d = ds.lastDelay - cfg.PacingMinDiff
			if d < min {
				d = min
			}
		}
	}
	ds.lastDelay = d
	return d
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func dedupKey(req Request) string {
	return req.Dest.Key() + "|" + req.GroupKey
}
