package payment

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically reconciles payments stuck in processing.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new reconcile timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the reconcile loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.reconcile(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) reconcile(ctx context.Context) {
	count, err := t.service.Reconcile(ctx)
	if err != nil {
		t.logger.Warn("payment reconcile failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("stuck payments reconciled", "count", count)
	}
}
