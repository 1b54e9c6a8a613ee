package service

import (
	"context"
	"time"

	"coachchat/internal/metrics"

	"github.com/sirupsen/logrus"
)

// StalePendingCounter reports messages stuck in pending beyond a
// threshold; the runtime implements it.
type StalePendingCounter interface {
	StalePendingCount(ctx context.Context, threshold time.Duration) (int, error)
}

// DeliveryMonitor watches for optimistic messages that never received a
// store verdict, which indicates a wedged dispatch or a store outage.
type DeliveryMonitor struct {
	counter        StalePendingCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	stopCh         chan struct{}
}

func NewDeliveryMonitor(counter StalePendingCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		counter:        counter,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStalePending(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeliveryMonitor) checkStalePending(ctx context.Context) {
	count, err := m.counter.StalePendingCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale pending messages")
		return
	}
	metrics.SetGauge("delivery_stale_pending", float64(count), nil, "Messages stuck in pending without a store verdict")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Messages stuck in pending without confirmation")
	}
}
