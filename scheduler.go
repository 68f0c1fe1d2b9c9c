package harbor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig configures a SyncScheduler.
type SchedulerConfig struct {
	// Interval is the fallback poll period. Default 60s. The poll exists
	// purely as a safety net for missed push events; the dedup contract
	// makes redelivery through it harmless.
	Interval time.Duration
	Logger   *slog.Logger
}

func (c *SchedulerConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SyncScheduler owns the two full-resync triggers: the periodic fallback
// poll and the reconnect-driven resync. Overlapping triggers collapse into
// one: while a resync is in flight any new trigger is a scheduling no-op,
// which both prevents resync storms on reconnect and guarantees that stale
// responses cannot race a newer resync.
type SyncScheduler struct {
	interval time.Duration
	resync   func(ctx context.Context) error
	log      *slog.Logger

	mu       sync.Mutex
	inFlight bool
}

// NewSyncScheduler creates a scheduler around the given resync operation.
// cfg may be nil for defaults.
func NewSyncScheduler(resync func(ctx context.Context) error, cfg *SchedulerConfig) *SyncScheduler {
	c := SchedulerConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &SyncScheduler{interval: c.Interval, resync: resync, log: c.Logger}
}

// Trigger runs a full resync unless one is already in flight, in which case
// it returns immediately. The resync runs on the caller's goroutine.
func (s *SyncScheduler) Trigger(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Debug("resync already in flight, skipping")
		return nil
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	return s.resync(ctx)
}

// InFlight reports whether a resync is currently running.
func (s *SyncScheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Run drives the fallback poll until the context is cancelled.
func (s *SyncScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Trigger(ctx); err != nil {
				s.log.Warn("fallback resync failed", "err", err)
			}
		}
	}
}
