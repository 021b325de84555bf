package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/store"
)

// Sweeper periodically tears down workshops whose TTL has elapsed. Sweep
// errors are logged and retried on the next tick, never propagated; one
// stuck workshop must not stall the loop.
type Sweeper struct {
	store    store.Store
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that scans for expired workshops every interval.
func NewSweeper(s store.Store, e *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: s, engine: e, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep finds every expired workshop and starts an automatic destroy for it.
// Only deployed and failed workshops are eligible: a failed deploy can have
// left billable resources behind, so it expires like a deployed one.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ListExpiredWorkshops(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("sweep: list expired workshops", "error", err)
		return
	}

	for _, w := range expired {
		s.logger.Info("workshop expired, starting automatic destroy", "workshop_id", w.ID, "expires_at", w.ExpiresAt)

		_, err := s.engine.DestroyWorkshop(ctx, w.ID, "expiry-sweep")
		switch {
		case errors.Is(err, ErrNothingDeployed):
			// Nothing was ever provisioned, so there is nothing to remove.
			if _, err := s.store.UpdateWorkshopStatus(ctx, w.ID, model.WorkshopDestroyed, nil); err != nil {
				s.logger.Error("sweep: mark workshop destroyed", "workshop_id", w.ID, "error", err)
			}
		case err != nil:
			s.logger.Error("sweep: start destroy", "workshop_id", w.ID, "error", err)
		}
	}
}
