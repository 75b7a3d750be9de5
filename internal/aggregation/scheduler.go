package aggregation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/metrics"
	"github.com/podsight/attribution-engine/internal/storage"
)

// Config carries the scheduler tunables.
type Config struct {
	// RefreshInterval is how often the dirty buckets are recomputed.
	RefreshInterval time.Duration
	// GracePeriod keeps a day bucket open past midnight for late
	// events. Buckets past their grace period are still recomputed
	// when a late event or re-resolution dirties them.
	GracePeriod time.Duration
}

// Scheduler periodically recomputes stale rollup buckets. Staleness is
// detected from watermarks over event ingest times and record
// resolution times, so a bucket is only refolded when one of its
// inputs actually changed. Buckets are always folded from scratch;
// the scheduler never increments counters in place.
type Scheduler struct {
	rollups storage.RollupStore
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	cron *cron.Cron

	mu       sync.Mutex
	idle     *sync.Cond
	running  bool
	excluded map[string]bool
}

func NewScheduler(rollups storage.RollupStore, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	s := &Scheduler{
		rollups:  rollups,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		excluded: make(map[string]bool),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Start schedules the aggregation cycle. Cycles never overlap; a slow
// cycle skips the next tick instead of stacking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.RefreshInterval)
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Error("aggregation cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule aggregation: %w", err)
	}
	s.cron.Start()
	s.logger.Info("aggregation scheduler started",
		zap.Duration("refresh_interval", s.cfg.RefreshInterval),
		zap.Duration("grace_period", s.cfg.GracePeriod))
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Exclude pauses aggregation for a tenant while its data is being
// erased, so a cycle cannot repopulate buckets mid-deletion. It blocks
// until any in-flight cycle drains; a fold computed from pre-erasure
// reads must not land after the deletes start. The tenant's watermark
// progress is held back until Resume.
func (s *Scheduler) Exclude(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[tenantID] = true
	for s.running {
		s.idle.Wait()
	}
}

// Resume lifts an erasure exclusion.
func (s *Scheduler) Resume(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.excluded, tenantID)
}

func (s *Scheduler) isExcluded(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excluded[tenantID]
}

// RunCycle recomputes every bucket whose inputs changed since the last
// watermark. Watermarks only advance when no bucket was skipped, so
// buckets belonging to an excluded tenant are revisited after Resume.
// Cycles never overlap; a cycle arriving while one runs is a no-op.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.idle.Broadcast()
		s.mu.Unlock()
	}()

	start := time.Now()

	// Anything committed after this instant is the next cycle's work.
	// The small lag covers inserts committing with an earlier
	// ingested_at than our clock read.
	cutoff := start.UTC().Add(-5 * time.Second)

	eventsWM, recordsWM, err := s.rollups.Watermarks(ctx)
	if err != nil {
		return err
	}

	keys, err := s.rollups.DirtyBuckets(ctx, eventsWM, recordsWM)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DirtyBucketCount.Set(float64(len(keys)))
	}

	skipped := 0
	for _, key := range keys {
		if s.isExcluded(key.TenantID) {
			skipped++
			continue
		}
		rollup, err := s.rollups.FoldBucket(ctx, key)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordRollup("error")
			}
			return fmt.Errorf("failed to fold bucket %s/%s/%s: %w",
				key.TenantID, key.CampaignID, key.Day.Format("2006-01-02"), err)
		}
		if err := s.rollups.UpsertBucket(ctx, rollup); err != nil {
			if s.metrics != nil {
				s.metrics.RecordRollup("error")
			}
			return fmt.Errorf("failed to store bucket: %w", err)
		}
		if s.metrics != nil {
			s.metrics.RecordRollup("ok")
		}
	}

	if skipped == 0 {
		if err := s.rollups.SetWatermarks(ctx, cutoff, cutoff); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.RollupLatency.Observe(time.Since(start).Seconds())
	}
	if len(keys) > 0 {
		s.logger.Info("aggregation cycle complete",
			zap.Int("recomputed", len(keys)-skipped),
			zap.Int("skipped", skipped),
			zap.Duration("took", time.Since(start)))
	}
	return nil
}
