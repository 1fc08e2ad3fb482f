// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"sync"
	"time"

	"github.com/filecrate/filecrate/pkg/ledger"
	"github.com/filecrate/filecrate/pkg/logger"
)

// Janitor reaps abandoned upload sessions. A session whose newest ledger row
// is older than the retention window and was never merged is cancelled,
// releasing its chunk blobs.
type Janitor struct {
	ledger    ledger.Store
	service   Service
	interval  time.Duration
	retention time.Duration
	batchSize int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// JanitorConfig holds configuration for the janitor.
type JanitorConfig struct {
	Ledger  ledger.Store
	Service Service

	// Interval is how often to sweep (default: 15 minutes)
	Interval time.Duration

	// Retention is how long a session may sit idle before it is reaped
	// (default: 24 hours)
	Retention time.Duration

	// BatchSize is how many sessions to reap per sweep (default: 100)
	BatchSize int
}

// NewJanitor creates a stale upload janitor.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &Janitor{
		ledger:    cfg.Ledger,
		service:   cfg.Service,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
	}
}

// Start begins the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop stops the sweep loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}

	close(j.stopCh)
	j.running = false
}

func (j *Janitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep cancels one batch of stale sessions. Exported for tests and for
// on-demand runs.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention).UnixNano()

	uploadIDs, err := j.ledger.ListStaleUploads(ctx, cutoff, j.batchSize)
	if err != nil {
		logger.Error().Err(err).Msg("janitor: failed to list stale uploads")
		return
	}
	if len(uploadIDs) == 0 {
		return
	}

	logger.Info().Int("sessions", len(uploadIDs)).Msg("janitor: reaping stale upload sessions")

	for _, uploadID := range uploadIDs {
		if err := j.service.Cancel(ctx, uploadID); err != nil {
			logger.Warn().Err(err).Str("upload_id", uploadID).Msg("janitor: failed to cancel stale upload")
		}
	}
}
