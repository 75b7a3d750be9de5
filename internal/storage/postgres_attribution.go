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

// PostgresAttributionStore implements AttributionStore using PostgreSQL.
type PostgresAttributionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAttributionStore(pool *pgxpool.Pool) *PostgresAttributionStore {
	return &PostgresAttributionStore{pool: pool}
}

// InsertRecord supersedes the prior current record (if any) and writes
// the new one in a single transaction, so the at-most-one-current
// invariant holds even under a concurrent re-resolution.
func (s *PostgresAttributionStore) InsertRecord(ctx context.Context, r *models.AttributionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE attribution_records
		SET superseded = true, superseded_at = now()
		WHERE tenant_id = $1 AND event_id = $2 AND NOT superseded
	`, r.TenantID, r.EventID)
	if err != nil {
		return fmt.Errorf("failed to supersede prior record: %w", err)
	}

	var campaignID *string
	if r.ResolvedCampaignID != "" {
		campaignID = &r.ResolvedCampaignID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO attribution_records (
			id, tenant_id, event_id, resolved_campaign_id,
			method_used, confidence, signals_present, superseded, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`, r.ID, r.TenantID, r.EventID, campaignID,
		string(r.MethodUsed), r.Confidence, r.SignalsPresent, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attribution record: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresAttributionStore) CurrentRecord(ctx context.Context, tenantID, eventID string) (*models.AttributionRecord, error) {
	var r models.AttributionRecord
	var campaignID *string
	var method string

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, event_id, resolved_campaign_id,
			   method_used, confidence, signals_present, superseded, resolved_at
		FROM attribution_records
		WHERE tenant_id = $1 AND event_id = $2 AND NOT superseded
	`, tenantID, eventID).Scan(
		&r.ID, &r.TenantID, &r.EventID, &campaignID,
		&method, &r.Confidence, &r.SignalsPresent, &r.Superseded, &r.ResolvedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attribution record: %w", err)
	}

	if campaignID != nil {
		r.ResolvedCampaignID = *campaignID
	}
	r.MethodUsed = models.AttributionMethod(method)
	return &r, nil
}

func (s *PostgresAttributionStore) PendingConversions(ctx context.Context, limit int) ([]PendingConversion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.tenant_id, e.event_id
		FROM attribution_events e
		LEFT JOIN attribution_records r
		  ON r.tenant_id = e.tenant_id AND r.event_id = e.event_id AND NOT r.superseded
		WHERE e.event_type = 'conversion' AND r.id IS NULL
		ORDER BY e.ingested_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conversions: %w", err)
	}
	defer rows.Close()

	var pending []PendingConversion
	for rows.Next() {
		var p PendingConversion
		if err := rows.Scan(&p.TenantID, &p.EventID); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *PostgresAttributionStore) MethodBreakdown(ctx context.Context, tenantID, campaignID string, start, end time.Time, lowConfidence float64) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.method_used, r.confidence < $5, count(*)
		FROM attribution_records r
		JOIN attribution_events e
		  ON e.tenant_id = r.tenant_id AND e.event_id = r.event_id
		WHERE r.tenant_id = $1
		  AND r.resolved_campaign_id = $2
		  AND NOT r.superseded
		  AND e.occurred_at >= $3
		  AND e.occurred_at < $4
		GROUP BY r.method_used, r.confidence < $5
	`, tenantID, campaignID, start, end, lowConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to get method breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[string]int64)
	for rows.Next() {
		var method string
		var low bool
		var count int64
		if err := rows.Scan(&method, &low, &count); err != nil {
			return nil, err
		}
		key := method
		if low {
			key = method + "_low_confidence"
		}
		breakdown[key] += count
	}
	return breakdown, rows.Err()
}

func (s *PostgresAttributionStore) AttributionCount(ctx context.Context, tenantID, campaignID string, start, end time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM attribution_records r
		JOIN attribution_events e
		  ON e.tenant_id = r.tenant_id AND e.event_id = r.event_id
		WHERE r.tenant_id = $1
		  AND r.resolved_campaign_id = $2
		  AND NOT r.superseded
		  AND e.occurred_at >= $3
		  AND e.occurred_at < $4
	`, tenantID, campaignID, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attributions: %w", err)
	}
	return count, nil
}

func (s *PostgresAttributionStore) DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error) {
	var tag pgconn.CommandTag
	var err error

	if campaignID == "" {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM attribution_records WHERE tenant_id = $1`, tenantID)
	} else {
		tag, err = s.pool.Exec(ctx, `
			DELETE FROM attribution_records
			WHERE tenant_id = $1 AND resolved_campaign_id = $2
		`, tenantID, campaignID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete attribution records: %w", err)
	}
	return tag.RowsAffected(), nil
}
