// Package worker provides background workers: the channel renewal
// scheduler and the queued sync consumer.
package worker

import (
	"context"
	"time"

	"calsync_server/core/service/channel"
	"calsync_server/pkg/logger"
)

// =============================================================================
// RenewScheduler - watch channel renewal
// =============================================================================
//
// Watch channels expire on a provider-chosen schedule. This scheduler
// sweeps on an interval and renews anything inside the renewal lead
// window.

type RenewScheduler struct {
	manager       *channel.Manager
	checkInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewRenewScheduler creates a new renew scheduler.
func NewRenewScheduler(manager *channel.Manager, checkInterval time.Duration) *RenewScheduler {
	if checkInterval <= 0 {
		checkInterval = 1 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RenewScheduler{
		manager:       manager,
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the scheduler.
func (s *RenewScheduler) Start() {
	logger.Info("[RenewScheduler] Starting with interval %v", s.checkInterval)
	go s.run()
}

// Stop stops the scheduler.
func (s *RenewScheduler) Stop() {
	logger.Info("[RenewScheduler] Stopping...")
	s.cancel()
}

// run is the main loop that checks for expiring channels.
func (s *RenewScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// Check once immediately on startup
	s.renewExpiring()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[RenewScheduler] Stopped")
			return
		case <-ticker.C:
			s.renewExpiring()
		}
	}
}

func (s *RenewScheduler) renewExpiring() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	renewed, err := s.manager.RenewExpiring(ctx)
	if err != nil {
		logger.Error("[RenewScheduler] Failed to renew channels: %v", err)
		return
	}
	if renewed > 0 {
		logger.Info("[RenewScheduler] Renewed %d channels", renewed)
	}
}

// SetCheckInterval sets the check interval (for testing).
func (s *RenewScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}
