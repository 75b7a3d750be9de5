package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/podsight/attribution-engine/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL. The
// (tenant_id, event_id) primary key is the durable idempotency guard;
// duplicate deliveries insert with ON CONFLICT DO NOTHING.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

func (s *PostgresEventStore) Insert(ctx context.Context, e *models.AttributionEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attribution_events (
			tenant_id, event_id, campaign_id, event_type,
			occurred_at, ingested_at,
			promo_code, device_hash, utm_source, utm_medium, utm_campaign,
			geo_country, conversion_value_cents
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, event_id) DO NOTHING
	`,
		e.TenantID, e.EventID, e.CampaignID, string(e.Type),
		e.OccurredAt, e.IngestedAt,
		e.Signals.PromoCode, e.Signals.DeviceHash,
		e.Signals.UTMSource, e.Signals.UTMMedium, e.Signals.UTMCampaign,
		e.Signals.GeoCountry, e.ValueCents(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresEventStore) GetByID(ctx context.Context, tenantID, eventID string) (*models.AttributionEvent, error) {
	var e models.AttributionEvent
	var eventType string
	var valueCents int64

	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, event_id, campaign_id, event_type,
			   occurred_at, ingested_at,
			   promo_code, device_hash, utm_source, utm_medium, utm_campaign,
			   geo_country, conversion_value_cents
		FROM attribution_events
		WHERE tenant_id = $1 AND event_id = $2
	`, tenantID, eventID).Scan(
		&e.TenantID, &e.EventID, &e.CampaignID, &eventType,
		&e.OccurredAt, &e.IngestedAt,
		&e.Signals.PromoCode, &e.Signals.DeviceHash,
		&e.Signals.UTMSource, &e.Signals.UTMMedium, &e.Signals.UTMCampaign,
		&e.Signals.GeoCountry, &valueCents,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	e.Type = models.EventType(eventType)
	if e.IsConversion() {
		e.ConversionValueCents = &valueCents
	}
	return &e, nil
}

func (s *PostgresEventStore) HasPriorTouch(ctx context.Context, tenantID, campaignID, deviceHash string, since, until time.Time) (bool, error) {
	if deviceHash == "" {
		return false, nil
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attribution_events
			WHERE tenant_id = $1
			  AND campaign_id = $2
			  AND device_hash = $3
			  AND event_type IN ('impression', 'click')
			  AND occurred_at >= $4
			  AND occurred_at < $5
		)
	`, tenantID, campaignID, deviceHash, since, until).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check prior touch: %w", err)
	}
	return exists, nil
}

func (s *PostgresEventStore) Touchpoints(ctx context.Context, tenantID, deviceHash string, since, until time.Time) ([]*models.Touchpoint, error) {
	if deviceHash == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, campaign_id, event_type, occurred_at
		FROM attribution_events
		WHERE tenant_id = $1
		  AND device_hash = $2
		  AND event_type IN ('impression', 'click')
		  AND campaign_id <> ''
		  AND occurred_at >= $3
		  AND occurred_at < $4
		ORDER BY occurred_at
	`, tenantID, deviceHash, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list touchpoints: %w", err)
	}
	defer rows.Close()

	var points []*models.Touchpoint
	for rows.Next() {
		var tp models.Touchpoint
		var eventType string
		if err := rows.Scan(&tp.EventID, &tp.CampaignID, &eventType, &tp.OccurredAt); err != nil {
			return nil, err
		}
		tp.Type = models.EventType(eventType)
		points = append(points, &tp)
	}
	return points, rows.Err()
}

func (s *PostgresEventStore) ConversionsByTenant(ctx context.Context, tenantID string, start, end time.Time) ([]*models.AttributionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, event_id, campaign_id, event_type,
			   occurred_at, ingested_at,
			   promo_code, device_hash, utm_source, utm_medium, utm_campaign,
			   geo_country, conversion_value_cents
		FROM attribution_events
		WHERE tenant_id = $1
		  AND event_type = 'conversion'
		  AND occurred_at >= $2
		  AND occurred_at < $3
		ORDER BY occurred_at
	`, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var events []*models.AttributionEvent
	for rows.Next() {
		var e models.AttributionEvent
		var eventType string
		var valueCents int64
		if err := rows.Scan(
			&e.TenantID, &e.EventID, &e.CampaignID, &eventType,
			&e.OccurredAt, &e.IngestedAt,
			&e.Signals.PromoCode, &e.Signals.DeviceHash,
			&e.Signals.UTMSource, &e.Signals.UTMMedium, &e.Signals.UTMCampaign,
			&e.Signals.GeoCountry, &valueCents,
		); err != nil {
			return nil, err
		}
		e.Type = models.EventType(eventType)
		e.ConversionValueCents = &valueCents
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *PostgresEventStore) DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error) {
	var tag pgconn.CommandTag
	var err error

	if campaignID == "" {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM attribution_events WHERE tenant_id = $1`, tenantID)
	} else {
		// Promo and UTM attributed conversions carry an empty
		// campaign_id column; they belong to the campaign through
		// their current attribution record. Both must go, or the
		// resolver sweep re-attributes the orphaned conversions and
		// rebuilds the erased rollup contributions. This runs while
		// the records still exist; record deletion follows.
		tag, err = s.pool.Exec(ctx, `
			DELETE FROM attribution_events e
			WHERE e.tenant_id = $1
			  AND (e.campaign_id = $2
			       OR EXISTS (
			           SELECT 1 FROM attribution_records r
			           WHERE r.tenant_id = e.tenant_id
			             AND r.event_id = e.event_id
			             AND NOT r.superseded
			             AND r.resolved_campaign_id = $2))
		`, tenantID, campaignID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}
