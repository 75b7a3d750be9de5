package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/podsight/attribution-engine/internal/models"
)

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

const campaignColumns = `
	id, tenant_id, name, start_date, end_date, cost_basis_cents,
	attribution_methods, strategy, promo_codes, utm_campaign,
	created_at, updated_at`

func (r *PostgresCampaignRepo) GetByID(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	c, err := scanCampaign(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func (r *PostgresCampaignRepo) ListByTenant(ctx context.Context, tenantID string) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	return collectCampaigns(rows)
}

func (r *PostgresCampaignRepo) ListInFlight(ctx context.Context, tenantID string, at time.Time) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE tenant_id = $1
		  AND start_date <= $2
		  AND (end_date IS NULL OR end_date >= $2)
		ORDER BY created_at
	`, tenantID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight campaigns: %w", err)
	}
	defer rows.Close()

	return collectCampaigns(rows)
}

func (r *PostgresCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	methodsJSON, err := json.Marshal(c.AttributionConfig.Methods)
	if err != nil {
		return fmt.Errorf("failed to marshal attribution methods: %w", err)
	}

	var endDate *time.Time
	if !c.EndDate.IsZero() {
		endDate = &c.EndDate
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO campaigns (
			id, tenant_id, name, start_date, end_date, cost_basis_cents,
			attribution_methods, strategy, promo_codes, utm_campaign,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			cost_basis_cents = EXCLUDED.cost_basis_cents,
			attribution_methods = EXCLUDED.attribution_methods,
			strategy = EXCLUDED.strategy,
			promo_codes = EXCLUDED.promo_codes,
			utm_campaign = EXCLUDED.utm_campaign,
			updated_at = now()
	`, c.ID, c.TenantID, c.Name, c.StartDate, endDate, c.CostBasisCents,
		methodsJSON, string(c.Strategy), c.PromoCodes, c.UTMCampaign)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

func (r *PostgresCampaignRepo) Delete(ctx context.Context, tenantID, id string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM campaigns WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var endDate *time.Time
	var methodsJSON []byte
	var strategy string

	if err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.StartDate, &endDate, &c.CostBasisCents,
		&methodsJSON, &strategy, &c.PromoCodes, &c.UTMCampaign,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if endDate != nil {
		c.EndDate = *endDate
	}
	c.Strategy = models.AttributionStrategy(strategy)
	if len(methodsJSON) > 0 {
		if err := json.Unmarshal(methodsJSON, &c.AttributionConfig.Methods); err != nil {
			return nil, fmt.Errorf("failed to parse attribution methods: %w", err)
		}
	}
	return &c, nil
}

func collectCampaigns(rows pgx.Rows) ([]*models.Campaign, error) {
	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// PostgresTenantRepo implements TenantRepo using PostgreSQL.
type PostgresTenantRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresTenantRepo(pool *pgxpool.Pool) *PostgresTenantRepo {
	return &PostgresTenantRepo{pool: pool}
}

func (r *PostgresTenantRepo) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, status, retention_days, created_at
		FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Status, &t.RetentionDays, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (r *PostgresTenantRepo) Upsert(ctx context.Context, t *models.Tenant) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status, retention_days, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			retention_days = EXCLUDED.retention_days
	`, t.ID, t.Name, t.Status, t.RetentionDays)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}
