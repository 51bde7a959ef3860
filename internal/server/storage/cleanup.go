package storage

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper drops expired shares.
type Sweeper interface {
	SweepExpired() int
}

// StalePurger drops chunked uploads that stopped receiving chunks.
type StalePurger interface {
	PurgeStale(cutoff time.Time) int
}

// CleanupService periodically removes expired shares and, when a stale
// age is configured, abandoned chunked uploads.
type CleanupService struct {
	shares   Sweeper
	uploads  StalePurger
	staleAge time.Duration
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service. uploads may be nil, and
// staleAge <= 0 disables the stale purge.
func NewCleanupService(shares Sweeper, uploads StalePurger, staleAge, interval time.Duration) *CleanupService {
	return &CleanupService{
		shares:   shares,
		uploads:  uploads,
		staleAge: staleAge,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "stale_upload_age", cs.staleAge)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cs.RunOnce()
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single cleanup cycle.
func (cs *CleanupService) RunOnce() {
	expired := cs.shares.SweepExpired()

	stale := 0
	if cs.uploads != nil && cs.staleAge > 0 {
		stale = cs.uploads.PurgeStale(cs.now().Add(-cs.staleAge))
	}

	if expired == 0 && stale == 0 {
		slog.Debug("cleanup cycle complete, nothing to remove")
		return
	}

	slog.Info("cleanup cycle complete",
		"expired_shares", expired,
		"stale_uploads", stale,
	)
}
