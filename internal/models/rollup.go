package models

import (
	"time"
)

// MetricsDailyRollup is the pre-aggregated bucket keyed by
// (tenant_id, campaign_id, day). A closed bucket always equals the
// deterministic fold of the underlying events regardless of how many
// times it is recomputed. CampaignID is empty for the tenant-level
// unattributed bucket that keeps audit revenue totals.
type MetricsDailyRollup struct {
	TenantID   string    `json:"tenant_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Day        time.Time `json:"day"`

	Downloads    int64 `json:"downloads"`
	Listens      int64 `json:"listens"`
	Impressions  int64 `json:"impressions"`
	Clicks       int64 `json:"clicks"`
	Conversions  int64 `json:"conversions"`
	RevenueCents int64 `json:"revenue_cents"`

	ComputedAt time.Time `json:"computed_at"`
}

// Add folds another rollup for the same key space into r.
func (r *MetricsDailyRollup) Add(o *MetricsDailyRollup) {
	r.Downloads += o.Downloads
	r.Listens += o.Listens
	r.Impressions += o.Impressions
	r.Clicks += o.Clicks
	r.Conversions += o.Conversions
	r.RevenueCents += o.RevenueCents
}

// Closed reports whether the bucket is past the grace period and safe
// for long-term caching.
func (r *MetricsDailyRollup) Closed(now time.Time, grace time.Duration) bool {
	return r.Day.Add(24 * time.Hour).Add(grace).Before(now)
}

// BucketKey identifies one rollup bucket.
type BucketKey struct {
	TenantID   string
	CampaignID string
	Day        time.Time
}

// CampaignMetrics is the read model returned by the query API.
type CampaignMetrics struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`

	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Downloads   int64   `json:"downloads"`
	Listens     int64   `json:"listens"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`

	ROI               float64  `json:"roi"`
	ROIPercentage     float64  `json:"roi_percentage"`
	AverageOrderValue *float64 `json:"average_order_value"` // null when conversions = 0
	ConversionRate    float64  `json:"conversion_rate"`

	AttributionCount int64 `json:"attribution_count"`

	// ResolutionBreakdown counts current attribution records by method,
	// with low-confidence matches reported under a distinct key.
	ResolutionBreakdown map[string]int64 `json:"resolution_breakdown_by_method"`

	Strategy   AttributionStrategy `json:"attribution_strategy"`
	ComputedAt time.Time           `json:"computed_at"`
}
