// Package cleanup — cleanup.go
//
// The periodic sweep that keeps kernel state bounded: zombie PCBs past
// their grace period, expired and resolved interrupts, envelopes beyond
// the retained capacity, and stale per-user rate-limit state. Modeled
// on the teacher's ledger-pruning step (storage.PruneOldLedgerEntries
// called once at startup plus a ticker loop elsewhere in the pack) —
// here it runs as a standing ticker loop for the lifetime of the
// process rather than a one-shot call.

package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowkernel/flowkernel/internal/kernel"
)

// Config bounds the cleanup scan's cadence and retention.
type Config struct {
	Interval          time.Duration
	ZombieGracePeriod time.Duration
	InterruptRetention time.Duration
	EnvelopeCapacity  int
}

// Service runs the periodic cleanup scan.
type Service struct {
	cfg Config
	k   *kernel.Kernel
	log *zap.Logger
}

// New builds a cleanup Service bound to k.
func New(cfg Config, k *kernel.Kernel, log *zap.Logger) *Service {
	return &Service{cfg: cfg, k: k, log: log}
}

// Run blocks, running one scan every cfg.Interval, until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scanOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) scanOnce() {
	zombies := s.k.CleanupZombies(s.cfg.ZombieGracePeriod)
	expired := s.k.ExpireOldInterrupts()
	resolved := s.k.CleanupResolvedInterrupts(s.cfg.InterruptRetention)
	evicted := s.k.EvictEnvelopesBeyondCapacity(s.cfg.EnvelopeCapacity)
	staleUsers := s.k.EvictStaleRateLimitUsers()

	if zombies+expired+resolved+evicted+staleUsers == 0 {
		return
	}
	s.log.Info("cleanup scan completed",
		zap.Int("zombies_reaped", zombies),
		zap.Int("interrupts_expired", expired),
		zap.Int("interrupts_resolved_dropped", resolved),
		zap.Int("envelopes_evicted", evicted),
		zap.Int("rate_limit_users_evicted", staleUsers),
	)
}
