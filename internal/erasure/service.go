package erasure

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/metrics"
	"github.com/podsight/attribution-engine/internal/storage"
)

// AggregationControl pauses and resumes rollup recomputation for a
// tenant so an aggregation cycle cannot repopulate buckets while their
// inputs are being deleted.
type AggregationControl interface {
	Exclude(tenantID string)
	Resume(tenantID string)
}

// Report summarizes what one erasure request removed.
type Report struct {
	TenantID    string    `json:"tenant_id"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Events      int64     `json:"events_deleted"`
	Records     int64     `json:"attribution_records_deleted"`
	Rollups     int64     `json:"rollup_buckets_deleted"`
	CompletedAt time.Time `json:"completed_at"`
}

// Service deletes a tenant's attribution data on request, scoped to
// one campaign when a campaign ID is given. Deletion is hard; nothing
// is tombstoned or kept for later aggregation.
type Service struct {
	events  storage.EventStore
	records storage.AttributionStore
	rollups storage.RollupStore
	agg     AggregationControl
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(
	events storage.EventStore,
	records storage.AttributionStore,
	rollups storage.RollupStore,
	agg AggregationControl,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		events:  events,
		records: records,
		rollups: rollups,
		agg:     agg,
		logger:  logger,
		metrics: m,
	}
}

// Erase removes the tenant's events, attribution records, and rollup
// buckets. Events go first so any resolution racing the erasure finds
// nothing to attribute. Aggregation for the tenant is paused for the
// duration and its buckets recompute from the surviving data after
// Resume.
func (s *Service) Erase(ctx context.Context, tenantID, campaignID string) (*Report, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	if s.agg != nil {
		s.agg.Exclude(tenantID)
		defer s.agg.Resume(tenantID)
	}

	report := &Report{TenantID: tenantID, CampaignID: campaignID}

	var err error
	report.Events, err = s.events.DeleteByTenant(ctx, tenantID, campaignID)
	if err != nil {
		s.recordOutcome("error", report)
		return nil, fmt.Errorf("failed to erase events: %w", err)
	}
	report.Records, err = s.records.DeleteByTenant(ctx, tenantID, campaignID)
	if err != nil {
		s.recordOutcome("error", report)
		return nil, fmt.Errorf("failed to erase attribution records: %w", err)
	}
	report.Rollups, err = s.rollups.DeleteByTenant(ctx, tenantID, campaignID)
	if err != nil {
		s.recordOutcome("error", report)
		return nil, fmt.Errorf("failed to erase rollups: %w", err)
	}

	report.CompletedAt = time.Now().UTC()
	s.recordOutcome("ok", report)

	s.logger.Info("erasure complete",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", campaignID),
		zap.Int64("events", report.Events),
		zap.Int64("records", report.Records),
		zap.Int64("rollups", report.Rollups))

	return report, nil
}

func (s *Service) recordOutcome(status string, r *Report) {
	if s.metrics != nil {
		s.metrics.RecordErasure(status, r.Events, r.Records, r.Rollups)
	}
}
