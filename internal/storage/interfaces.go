package storage

import (
	"context"
	"time"

	"github.com/podsight/attribution-engine/internal/models"
)

// =============================================
// TENANT REPOSITORY
// =============================================

// TenantRepo defines operations for tenant storage.
type TenantRepo interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	Upsert(ctx context.Context, t *models.Tenant) error
}

// =============================================
// CAMPAIGN REPOSITORY
// =============================================

// CampaignRepo defines operations for campaign configuration storage.
// Every query is tenant-scoped.
type CampaignRepo interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*models.Campaign, error)
	// ListInFlight returns campaigns whose active window contains at.
	ListInFlight(ctx context.Context, tenantID string, at time.Time) ([]*models.Campaign, error)
	Upsert(ctx context.Context, c *models.Campaign) error
	Delete(ctx context.Context, tenantID, id string) error
}

// =============================================
// EVENT LOG
// =============================================

// EventStore is the append-only attribution event log. Insert is the
// only write; events are never updated, and deleted only through
// tenant-initiated erasure.
type EventStore interface {
	// Insert appends an event. The second delivery of the same
	// (tenant_id, event_id) reports inserted=false without error.
	Insert(ctx context.Context, e *models.AttributionEvent) (inserted bool, err error)

	GetByID(ctx context.Context, tenantID, eventID string) (*models.AttributionEvent, error)

	// HasPriorTouch reports whether the device saw an impression or
	// click for the campaign inside the lookback window.
	HasPriorTouch(ctx context.Context, tenantID, campaignID, deviceHash string, since, until time.Time) (bool, error)

	// Touchpoints returns the device's impression/click history across
	// all campaigns inside the window, ordered by occurred_at.
	Touchpoints(ctx context.Context, tenantID, deviceHash string, since, until time.Time) ([]*models.Touchpoint, error)

	// ConversionsByTenant returns the tenant's conversion events whose
	// occurred_at falls in [start, end), oldest first.
	ConversionsByTenant(ctx context.Context, tenantID string, start, end time.Time) ([]*models.AttributionEvent, error)

	// DeleteByTenant removes the tenant's events. When campaignID is
	// non-empty the scope is events carrying that campaign plus
	// conversions whose current attribution record resolved to it, and
	// the call must happen before the records are deleted.
	DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error)
}

// =============================================
// ATTRIBUTION RECORDS
// =============================================

// PendingConversion identifies a conversion event awaiting resolution.
type PendingConversion struct {
	TenantID string
	EventID  string
}

// AttributionStore holds resolved attribution outcomes.
type AttributionStore interface {
	// InsertRecord writes a new current record, superseding any prior
	// current record for the same event in the same transaction.
	InsertRecord(ctx context.Context, r *models.AttributionRecord) error

	CurrentRecord(ctx context.Context, tenantID, eventID string) (*models.AttributionRecord, error)

	// PendingConversions lists conversion events with no current
	// record, oldest first.
	PendingConversions(ctx context.Context, limit int) ([]PendingConversion, error)

	// MethodBreakdown counts current records by method for a campaign
	// inside [start, end), with matches below lowConfidence reported
	// under a "<method>_low_confidence" key.
	MethodBreakdown(ctx context.Context, tenantID, campaignID string, start, end time.Time, lowConfidence float64) (map[string]int64, error)

	AttributionCount(ctx context.Context, tenantID, campaignID string, start, end time.Time) (int64, error)

	DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error)
}

// =============================================
// ROLLUPS
// =============================================

// RollupStore maintains the (tenant, campaign, day) aggregate buckets.
type RollupStore interface {
	// FoldBucket recomputes a bucket from the underlying events and
	// current attribution records without writing it.
	FoldBucket(ctx context.Context, key models.BucketKey) (*models.MetricsDailyRollup, error)

	// UpsertBucket stores a computed bucket, last writer wins.
	UpsertBucket(ctx context.Context, r *models.MetricsDailyRollup) error

	Range(ctx context.Context, tenantID, campaignID string, start, end time.Time) ([]*models.MetricsDailyRollup, error)

	// DirtyBuckets lists buckets touched by events ingested after
	// eventsSince or records resolved/superseded after recordsSince.
	DirtyBuckets(ctx context.Context, eventsSince, recordsSince time.Time) ([]models.BucketKey, error)

	Watermarks(ctx context.Context) (events, records time.Time, err error)
	SetWatermarks(ctx context.Context, events, records time.Time) error

	DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error)
}
