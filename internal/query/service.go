package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/models"
	"github.com/podsight/attribution-engine/internal/roi"
	"github.com/podsight/attribution-engine/internal/storage"
)

// ErrCampaignNotFound means the campaign does not exist for the tenant.
var ErrCampaignNotFound = errors.New("campaign not found")

// Config carries query-side tunables.
type Config struct {
	// GracePeriod mirrors the aggregation grace window; buckets still
	// inside it are refolded on read for freshness.
	GracePeriod time.Duration
	// ConfidenceThreshold splits the resolution breakdown into
	// confident and low-confidence method keys.
	ConfidenceThreshold float64
	// TouchpointLookback bounds how far back a converting identity's
	// journey is walked for multi-touch weighting.
	TouchpointLookback time.Duration
}

// Service answers campaign metrics reads from the pre-aggregated
// rollups. ROI is derived at query time from the campaign's current
// cost basis, so editing the cost basis changes reported ROI without
// touching stored rollups.
type Service struct {
	campaigns storage.CampaignRepo
	rollups   storage.RollupStore
	records   storage.AttributionStore
	events    storage.EventStore
	cfg       Config
	logger    *zap.Logger
}

func NewService(
	campaigns storage.CampaignRepo,
	rollups storage.RollupStore,
	records storage.AttributionStore,
	events storage.EventStore,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		campaigns: campaigns,
		rollups:   rollups,
		records:   records,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
}

// GetCampaignMetrics reports the campaign's aggregate performance over
// [start, end). Buckets still inside the grace period are refolded
// best-effort so the read reflects recent ingests; closed buckets are
// served as stored.
func (s *Service) GetCampaignMetrics(ctx context.Context, tenantID, campaignID string, start, end time.Time) (*models.CampaignMetrics, error) {
	campaign, err := s.campaigns.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}

	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC()

	rollups, err := s.rollups.Range(ctx, tenantID, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollups: %w", err)
	}

	now := time.Now().UTC()
	total := models.MetricsDailyRollup{TenantID: tenantID, CampaignID: campaignID}
	stored := make(map[time.Time]bool, len(rollups))
	for _, r := range rollups {
		stored[r.Day.UTC()] = true
		if !r.Closed(now, s.cfg.GracePeriod) {
			if fresh, ferr := s.rollups.FoldBucket(ctx, models.BucketKey{
				TenantID:   tenantID,
				CampaignID: campaignID,
				Day:        r.Day,
			}); ferr == nil {
				r = fresh
			} else {
				s.logger.Warn("open bucket refresh failed, serving stored rollup",
					zap.String("tenant_id", tenantID),
					zap.String("campaign_id", campaignID),
					zap.Time("day", r.Day),
					zap.Error(ferr))
			}
		}
		total.Add(r)
	}

	// Open days the scheduler has not materialized yet have no stored
	// row, but events for them may already be in the log. Fold those
	// on read so a just-ingested event is visible before the next
	// aggregation cycle.
	for day := start; day.Before(end); day = day.Add(24 * time.Hour) {
		open := models.MetricsDailyRollup{Day: day}
		if stored[day] || open.Closed(now, s.cfg.GracePeriod) {
			continue
		}
		fresh, ferr := s.rollups.FoldBucket(ctx, models.BucketKey{
			TenantID:   tenantID,
			CampaignID: campaignID,
			Day:        day,
		})
		if ferr != nil {
			s.logger.Warn("open bucket fold failed, day omitted from read",
				zap.String("tenant_id", tenantID),
				zap.String("campaign_id", campaignID),
				zap.Time("day", day),
				zap.Error(ferr))
			continue
		}
		total.Add(fresh)
	}

	breakdown, err := s.records.MethodBreakdown(ctx, tenantID, campaignID, start, end, s.cfg.ConfidenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to load resolution breakdown: %w", err)
	}
	count, err := s.records.AttributionCount(ctx, tenantID, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to count attributions: %w", err)
	}

	// Rollup revenue reflects the single resolved record per conversion,
	// which is the last-touch view. Other strategies reweight revenue at
	// read time from the full touchpoint history; the resolved records
	// and stored rollups stay untouched.
	revenueCents := total.RevenueCents
	if campaign.Strategy != "" && campaign.Strategy != models.StrategyLastTouch {
		if reweighted, werr := s.reweightedRevenueCents(ctx, campaign, start, end); werr == nil {
			revenueCents = reweighted
		} else {
			s.logger.Warn("multi-touch reweighting failed, serving last-touch revenue",
				zap.String("tenant_id", tenantID),
				zap.String("campaign_id", campaignID),
				zap.String("strategy", string(campaign.Strategy)),
				zap.Error(werr))
		}
	}

	derived := roi.Calculate(revenueCents, campaign.CostBasisCents, total.Conversions, total.Clicks)

	return &models.CampaignMetrics{
		TenantID:    tenantID,
		CampaignID:  campaignID,
		Impressions: total.Impressions,
		Clicks:      total.Clicks,
		Downloads:   total.Downloads,
		Listens:     total.Listens,
		Conversions: total.Conversions,
		Revenue:     float64(revenueCents) / 100,

		ROI:               derived.ROI,
		ROIPercentage:     derived.ROIPercentage,
		AverageOrderValue: derived.AverageOrderValue,
		ConversionRate:    derived.ConversionRate,

		AttributionCount:    count,
		ResolutionBreakdown: breakdown,
		Strategy:            campaign.Strategy,
		ComputedAt:          now,
	}, nil
}

// reweightedRevenueCents recomputes the campaign's revenue under a
// first-touch or linear strategy by walking each converting identity's
// touchpoint history and splitting the conversion value across it.
// Conversions without a walkable identity keep the credit of their
// resolved record.
func (s *Service) reweightedRevenueCents(ctx context.Context, campaign *models.Campaign, start, end time.Time) (int64, error) {
	conversions, err := s.events.ConversionsByTenant(ctx, campaign.TenantID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to load conversions: %w", err)
	}

	var revenue int64
	for _, e := range conversions {
		// A conversion outside the campaign's flight window can never
		// credit this campaign, whatever its journey touched.
		if !campaign.InFlight(e.OccurredAt) {
			continue
		}

		var points []*models.Touchpoint
		if e.Signals.DeviceHash != "" {
			points, err = s.events.Touchpoints(ctx, campaign.TenantID, e.Signals.DeviceHash,
				e.OccurredAt.Add(-s.cfg.TouchpointLookback), e.OccurredAt)
			if err != nil {
				return 0, fmt.Errorf("failed to load touchpoints: %w", err)
			}
		}

		if len(points) == 0 {
			rec, err := s.records.CurrentRecord(ctx, campaign.TenantID, e.EventID)
			if err != nil {
				return 0, fmt.Errorf("failed to load attribution record: %w", err)
			}
			if rec != nil && rec.ResolvedCampaignID == campaign.ID {
				revenue += e.ValueCents()
			}
			continue
		}

		journey := make([]models.Touchpoint, len(points))
		for i, p := range points {
			journey[i] = *p
		}
		for _, split := range roi.SplitCredit(campaign.Strategy, e.ValueCents(), journey) {
			if split.CampaignID == campaign.ID {
				revenue += split.ValueCents
			}
		}
	}
	return revenue, nil
}
