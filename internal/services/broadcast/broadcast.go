// Package broadcast fans one operator message out to every known
// requester, paced by a rate limiter, tolerating per-recipient
// failures and reporting final tallies back to the operators.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	RatePerSec int
	// StartDelay postpones the first send so the confirming notice is
	// visible before traffic starts.
	StartDelay time.Duration
}

// Result holds the final tallies of one run. Every recipient lands in
// exactly one bucket.
type Result struct {
	Success     int
	Failed      int
	Unavailable int
}

func (r Result) String() string {
	return fmt.Sprintf("success %d, failed %d, unavailable %d", r.Success, r.Failed, r.Unavailable)
}

type Service struct {
	gw    transport.Gateway
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, gw transport.Gateway, store storage.Store, log logx.Logger) *Service {
	s := &Service{gw: gw, store: store, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the pacing configuration, effective for the next run.
func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("broadcaster started", logx.Int("rps", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("broadcaster stop timed out")
	}
}

// Dispatch schedules one run copying (fromChat, messageID) to every
// requester. One run at a time; the report lands in fromChat.
func (s *Service) Dispatch(fromChat int64, messageID int) error {
	s.mu.Lock()
	ctx := s.ctx
	delay := s.cfg.StartDelay
	if ctx == nil {
		s.mu.Unlock()
		return errors.New("broadcaster is not running")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("a broadcast is already in progress")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}

		res := s.Run(ctx, fromChat, messageID)
		report := fmt.Sprintf("Broadcast finished: %s.", res)
		if _, err := s.gw.SendText(ctx, transport.ChatTarget{ChatID: fromChat}, report, nil); err != nil {
			s.log.Warn("broadcast report failed", logx.Err(err))
		}
	}()
	return nil
}

// Run performs one full pass over the requester set synchronously.
// It never aborts early: every recipient is attempted and classified.
func (s *Service) Run(ctx context.Context, fromChat int64, messageID int) Result {
	var res Result

	ids, err := s.store.ListRequesterIDs(ctx)
	if err != nil {
		s.log.Error("broadcast recipient listing failed", logx.Err(err))
		return res
	}
	s.log.Info("broadcast started",
		logx.Int64("from_chat", fromChat),
		logx.Int("message_id", messageID),
		logx.Int("recipients", len(ids)))

	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()

	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			// Shutdown mid-run; count the rest as failed so the tallies
			// still cover the full population.
			res.Failed += len(ids) - (res.Success + res.Failed + res.Unavailable)
			break
		}
		_, err := s.gw.SendCopy(ctx, fromChat, messageID, transport.ChatTarget{ChatID: id}, 0)
		switch {
		case err == nil:
			res.Success++
		case transport.IsRecipientUnavailable(err):
			res.Unavailable++
		default:
			res.Failed++
			s.log.Warn("broadcast delivery failed", logx.Int64("requester_id", id), logx.Err(err))
		}
	}

	s.log.Info("broadcast finished",
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
		logx.Int("unavailable", res.Unavailable))
	return res
}
