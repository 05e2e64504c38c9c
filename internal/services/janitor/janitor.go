// Package janitor runs periodic storage hygiene. Its one job today is
// sweeping album buffers whose flush timer died with the process, so
// stale rows never accumulate.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// Every is the sweep cadence. Defaults to 10 minutes.
	Every time.Duration
	// MaxBufferAge is how old an unflushed album row must be before it
	// counts as orphaned. Defaults to 5 minutes.
	MaxBufferAge time.Duration
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if cfg.Every <= 0 {
		cfg.Every = 10 * time.Minute
	}
	if cfg.MaxBufferAge <= 0 {
		cfg.MaxBufferAge = 5 * time.Minute
	}
	return &Service{cfg: cfg, store: store, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Every)
	if _, err := c.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("janitor started", logx.Duration("every", s.cfg.Every))
	return nil
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
		s.log.Warn("janitor stop timed out")
	}
}

func (s *Service) sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.MaxBufferAge)
	n, err := s.store.PruneMediaGroups(sctx, cutoff)
	if err != nil {
		s.log.Error("album buffer sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("orphaned album rows pruned", logx.Int64("rows", n))
	}
}
