package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/podsight/attribution-engine/internal/models"
)

// PostgresRollupStore implements RollupStore using PostgreSQL.
type PostgresRollupStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRollupStore(pool *pgxpool.Pool) *PostgresRollupStore {
	return &PostgresRollupStore{pool: pool}
}

// FoldBucket recomputes one bucket from scratch. Delivery counts come
// straight off the event log; conversions and revenue come off
// conversion events joined to their current attribution record, so a
// re-resolved conversion moves between buckets on the next fold.
// The empty campaign key folds the unattributed bucket.
func (s *PostgresRollupStore) FoldBucket(ctx context.Context, key models.BucketKey) (*models.MetricsDailyRollup, error) {
	dayStart := key.Day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	r := &models.MetricsDailyRollup{
		TenantID:   key.TenantID,
		CampaignID: key.CampaignID,
		Day:        dayStart,
	}

	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE event_type = 'impression'),
			count(*) FILTER (WHERE event_type = 'click'),
			count(*) FILTER (WHERE event_type = 'download'),
			count(*) FILTER (WHERE event_type = 'listen')
		FROM attribution_events
		WHERE tenant_id = $1
		  AND campaign_id = $2
		  AND occurred_at >= $3
		  AND occurred_at < $4
	`, key.TenantID, key.CampaignID, dayStart, dayEnd).Scan(
		&r.Impressions, &r.Clicks, &r.Downloads, &r.Listens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fold delivery counts: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(sum(e.conversion_value_cents), 0)
		FROM attribution_events e
		JOIN attribution_records rec
		  ON rec.tenant_id = e.tenant_id AND rec.event_id = e.event_id AND NOT rec.superseded
		WHERE e.tenant_id = $1
		  AND e.event_type = 'conversion'
		  AND COALESCE(rec.resolved_campaign_id, '') = $2
		  AND e.occurred_at >= $3
		  AND e.occurred_at < $4
	`, key.TenantID, key.CampaignID, dayStart, dayEnd).Scan(
		&r.Conversions, &r.RevenueCents,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fold conversions: %w", err)
	}

	r.ComputedAt = time.Now().UTC()
	return r, nil
}

func (s *PostgresRollupStore) UpsertBucket(ctx context.Context, r *models.MetricsDailyRollup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metrics_daily_rollups (
			tenant_id, campaign_id, day,
			downloads, listens, impressions, clicks,
			conversions, revenue_cents, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, campaign_id, day) DO UPDATE SET
			downloads = EXCLUDED.downloads,
			listens = EXCLUDED.listens,
			impressions = EXCLUDED.impressions,
			clicks = EXCLUDED.clicks,
			conversions = EXCLUDED.conversions,
			revenue_cents = EXCLUDED.revenue_cents,
			computed_at = EXCLUDED.computed_at
	`, r.TenantID, r.CampaignID, r.Day,
		r.Downloads, r.Listens, r.Impressions, r.Clicks,
		r.Conversions, r.RevenueCents, r.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rollup bucket: %w", err)
	}
	return nil
}

func (s *PostgresRollupStore) Range(ctx context.Context, tenantID, campaignID string, start, end time.Time) ([]*models.MetricsDailyRollup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, campaign_id, day,
			   downloads, listens, impressions, clicks,
			   conversions, revenue_cents, computed_at
		FROM metrics_daily_rollups
		WHERE tenant_id = $1
		  AND campaign_id = $2
		  AND day >= $3
		  AND day < $4
		ORDER BY day
	`, tenantID, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	var rollups []*models.MetricsDailyRollup
	for rows.Next() {
		var r models.MetricsDailyRollup
		err := rows.Scan(
			&r.TenantID, &r.CampaignID, &r.Day,
			&r.Downloads, &r.Listens, &r.Impressions, &r.Clicks,
			&r.Conversions, &r.RevenueCents, &r.ComputedAt,
		)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, &r)
	}
	return rollups, rows.Err()
}

// DirtyBuckets finds every bucket whose inputs changed since the
// watermarks. Delivery events bucket under their own campaign_id,
// conversions bucket under the campaign their current record resolved
// to, and a superseded record dirties the bucket the conversion is
// leaving.
func (s *PostgresRollupStore) DirtyBuckets(ctx context.Context, eventsSince, recordsSince time.Time) ([]models.BucketKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id, campaign_id, day FROM (
			SELECT e.tenant_id,
				   e.campaign_id,
				   date_trunc('day', e.occurred_at AT TIME ZONE 'UTC') AS day
			FROM attribution_events e
			WHERE e.ingested_at > $1 AND e.event_type <> 'conversion'
			UNION ALL
			SELECT e.tenant_id,
				   COALESCE(r.resolved_campaign_id, ''),
				   date_trunc('day', e.occurred_at AT TIME ZONE 'UTC')
			FROM attribution_events e
			LEFT JOIN attribution_records r
			  ON r.tenant_id = e.tenant_id AND r.event_id = e.event_id AND NOT r.superseded
			WHERE e.event_type = 'conversion'
			  AND (e.ingested_at > $1 OR r.resolved_at > $2)
			UNION ALL
			SELECT r.tenant_id,
				   COALESCE(r.resolved_campaign_id, ''),
				   date_trunc('day', e.occurred_at AT TIME ZONE 'UTC')
			FROM attribution_records r
			JOIN attribution_events e
			  ON e.tenant_id = r.tenant_id AND e.event_id = r.event_id
			WHERE r.superseded_at > $2
		) dirty
	`, eventsSince, recordsSince)
	if err != nil {
		return nil, fmt.Errorf("failed to find dirty buckets: %w", err)
	}
	defer rows.Close()

	var keys []models.BucketKey
	for rows.Next() {
		var k models.BucketKey
		if err := rows.Scan(&k.TenantID, &k.CampaignID, &k.Day); err != nil {
			return nil, err
		}
		k.Day = k.Day.UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresRollupStore) Watermarks(ctx context.Context) (time.Time, time.Time, error) {
	var events, records time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT events_watermark, records_watermark
		FROM aggregation_watermarks
		WHERE id = 'default'
	`).Scan(&events, &records)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to read watermarks: %w", err)
	}
	return events, records, nil
}

func (s *PostgresRollupStore) SetWatermarks(ctx context.Context, events, records time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE aggregation_watermarks
		SET events_watermark = $1, records_watermark = $2, updated_at = now()
		WHERE id = 'default'
	`, events, records)
	if err != nil {
		return fmt.Errorf("failed to update watermarks: %w", err)
	}
	return nil
}

func (s *PostgresRollupStore) DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error) {
	var tag pgconn.CommandTag
	var err error

	if campaignID == "" {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM metrics_daily_rollups WHERE tenant_id = $1`, tenantID)
	} else {
		tag, err = s.pool.Exec(ctx, `
			DELETE FROM metrics_daily_rollups
			WHERE tenant_id = $1 AND campaign_id = $2
		`, tenantID, campaignID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete rollups: %w", err)
	}
	return tag.RowsAffected(), nil
}
