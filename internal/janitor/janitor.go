// Package janitor runs periodic housekeeping: idle sessions are reset and
// dropped, their pending aggregation groups cancelled, and the stored
// delivery log pruned.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"albumbot/internal/album"
	"albumbot/internal/session"
	"albumbot/internal/storage"
	logx "albumbot/pkg/logx"
)

type Config struct {
	Enabled    bool
	SweepEvery time.Duration
	MaxIdle    time.Duration
	// KeepDeliveries bounds the delivery log age. 0 keeps everything.
	KeepDeliveries time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	sessions *session.Registry
	window   *album.Window
	store    storage.Store
	log      logx.Logger
}

func New(cfg Config, sessions *session.Registry, window *album.Window, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 10 * time.Minute
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2 * time.Hour
	}
	return &Service{cfg: cfg, sessions: sessions, window: window, store: store, log: log}
}

// Apply updates the sweep cadence. A changed interval restarts the cron.
func (s *Service) Apply(cfg Config) {
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 10 * time.Minute
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2 * time.Hour
	}

	s.mu.Lock()
	restart := s.c != nil && (cfg.SweepEvery != s.cfg.SweepEvery || cfg.Enabled != s.cfg.Enabled)
	s.cfg = cfg
	s.mu.Unlock()

	if restart {
		s.stopCron()
		s.Start(context.Background())
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}

	c := cron.New()
	spec := "@every " + s.cfg.SweepEvery.String()
	if _, err := c.AddFunc(spec, s.sweep); err != nil {
		s.log.Error("sweep schedule rejected", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("janitor started",
		logx.Duration("every", s.cfg.SweepEvery), logx.Duration("max_idle", s.cfg.MaxIdle))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("janitor stopped")
}

func (s *Service) stopCron() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// sweep is one housekeeping pass. Dispatching sessions are left alone; the
// registry skips them.
func (s *Service) sweep() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	removed := s.sessions.Sweep(cfg.MaxIdle)
	for _, userID := range removed {
		if s.window != nil {
			s.window.CancelUser(userID)
		}
	}

	if s.store != nil && cfg.KeepDeliveries > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.store.PruneExpired(ctx, cfg.KeepDeliveries); err != nil {
			s.log.Warn("storage prune failed", logx.Err(err))
		}
		cancel()
	}

	if len(removed) > 0 {
		s.log.Info("idle sessions swept",
			logx.Int("removed", len(removed)),
			logx.Int("remaining", s.sessions.Len()),
			logx.Duration("took", time.Since(start)))
	}
}
