package worker

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/models"
)

// CallReaper is the lifecycle slice the reaper drives.
type CallReaper interface {
	ReapEmptyCalls(ctx context.Context, grace time.Duration) ([]models.Call, error)
}

// Broadcaster pushes call events to connected clients. Optional.
type Broadcaster interface {
	BroadcastToCallAndPublish(callID string, event string, payload interface{})
}

// Reaper is the system-level timeout policy for abandoned calls: it
// periodically ends calls whose open-participant count has been zero for
// longer than the grace period, so a room never stays blocked by a call
// everyone walked away from.
type Reaper struct {
	manager  CallReaper
	events   Broadcaster
	logger   *zap.Logger
	interval time.Duration
	grace    time.Duration
}

// NewReaper creates a reaper. events may be nil.
func NewReaper(manager CallReaper, events Broadcaster, logger *zap.Logger, interval, grace time.Duration) *Reaper {
	return &Reaper{
		manager:  manager,
		events:   events,
		logger:   logger,
		interval: interval,
		grace:    grace,
	}
}

// Run sweeps on a ticker until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("call reaper started",
		zap.Duration("interval", r.interval), zap.Duration("grace", r.grace))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("call reaper stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep ends stale calls once and notifies their subscribers.
func (r *Reaper) Sweep(ctx context.Context) error {
	ended, err := r.manager.ReapEmptyCalls(ctx, r.grace)
	if err != nil {
		return err
	}
	for _, call := range ended {
		if r.events != nil {
			r.events.BroadcastToCallAndPublish(call.ID, "call_ended", gin.H{"call_id": call.ID})
		}
	}
	return nil
}
