package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/idempotency"
	"github.com/podsight/attribution-engine/internal/metrics"
	"github.com/podsight/attribution-engine/internal/models"
	"github.com/podsight/attribution-engine/internal/storage"
)

// Enricher fills in derived signal fields before an event is stored.
type Enricher interface {
	Enrich(ctx context.Context, e *models.AttributionEvent)
}

// ConversionQueue accepts conversions for asynchronous attribution
// resolution. Enqueue must not block the ingest path; a full queue is
// fine because the resolver's sweep picks up anything dropped.
type ConversionQueue interface {
	Enqueue(tenantID, eventID string) bool
}

// Config carries the gateway's validation bounds.
type Config struct {
	// MaxClockSkew is how far into the future occurred_at may lie.
	MaxClockSkew time.Duration
	// DefaultRetentionDays applies to tenants without their own window.
	DefaultRetentionDays int
}

// Gateway is the single write path for attribution events. It
// validates, deduplicates, persists, and hands conversions to the
// resolver. Acceptance is decided before any asynchronous work starts,
// so an accepted event is durable by the time the caller hears back.
type Gateway struct {
	tenants  storage.TenantRepo
	events   storage.EventStore
	idem     idempotency.Store
	enricher Enricher
	queue    ConversionQueue
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewGateway(
	tenants storage.TenantRepo,
	events storage.EventStore,
	idem idempotency.Store,
	enricher Enricher,
	queue ConversionQueue,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Gateway {
	return &Gateway{
		tenants:  tenants,
		events:   events,
		idem:     idem,
		enricher: enricher,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Ingest processes one event and reports its outcome. Duplicate
// deliveries return IngestDeduplicated with no error; rejections
// return IngestRejected alongside the reason.
func (g *Gateway) Ingest(ctx context.Context, e *models.AttributionEvent) (models.IngestStatus, error) {
	start := time.Now()
	status, err := g.ingest(ctx, e)
	if g.metrics != nil {
		g.metrics.RecordIngest(e.TenantID, string(e.Type), string(status), time.Since(start))
	}
	return status, err
}

func (g *Gateway) ingest(ctx context.Context, e *models.AttributionEvent) (models.IngestStatus, error) {
	now := time.Now().UTC()

	if err := g.validate(e, now); err != nil {
		g.reject(err)
		return models.IngestRejected, err
	}

	tenant, err := g.tenants.GetByID(ctx, e.TenantID)
	if err != nil {
		return models.IngestRejected, fmt.Errorf("%w: tenant lookup: %v", ErrTransientDependency, err)
	}
	if tenant == nil {
		g.reject(ErrTenantNotFound)
		return models.IngestRejected, ErrTenantNotFound
	}

	retention := tenant.RetentionWindow(g.cfg.DefaultRetentionDays)
	if e.OccurredAt.Before(now.Add(-retention)) {
		g.reject(ErrRetentionWindowExceeded)
		return models.IngestRejected, ErrRetentionWindowExceeded
	}

	e.IngestedAt = now
	if g.enricher != nil {
		g.enricher.Enrich(ctx, e)
	}

	// Fast-path duplicate check. A cache failure falls through to the
	// durable insert, whose primary key still dedupes.
	reserved := false
	if g.idem != nil {
		duplicate, err := g.idem.CheckAndReserve(ctx, e.TenantID, e.EventID, retention)
		if err != nil {
			g.logger.Warn("idempotency cache unavailable, relying on durable store",
				zap.String("tenant_id", e.TenantID),
				zap.String("event_id", e.EventID),
				zap.Error(err))
		} else if duplicate {
			return models.IngestDeduplicated, nil
		} else {
			reserved = true
		}
	}

	inserted, err := g.events.Insert(ctx, e)
	if err != nil {
		if reserved {
			if relErr := g.idem.Release(ctx, e.TenantID, e.EventID); relErr != nil {
				g.logger.Warn("failed to release idempotency reservation",
					zap.String("tenant_id", e.TenantID),
					zap.String("event_id", e.EventID),
					zap.Error(relErr))
			}
		}
		return models.IngestRejected, fmt.Errorf("%w: event insert: %v", ErrTransientDependency, err)
	}
	if !inserted {
		return models.IngestDeduplicated, nil
	}

	if e.IsConversion() && g.queue != nil {
		if !g.queue.Enqueue(e.TenantID, e.EventID) {
			g.logger.Warn("resolution queue full, conversion deferred to sweep",
				zap.String("tenant_id", e.TenantID),
				zap.String("event_id", e.EventID))
		}
	}

	g.logger.Debug("event accepted",
		zap.String("tenant_id", e.TenantID),
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(e.Type)))

	return models.IngestAccepted, nil
}

func (g *Gateway) validate(e *models.AttributionEvent, now time.Time) error {
	if e.EventID == "" {
		return invalidField("event_id", "is required")
	}
	if e.TenantID == "" {
		return invalidField("tenant_id", "is required")
	}
	if !models.ValidEventType(e.Type) {
		return invalidField("event_type", "is not a recognized type")
	}
	if e.OccurredAt.IsZero() {
		return invalidField("occurred_at", "is required")
	}
	if e.OccurredAt.After(now.Add(g.cfg.MaxClockSkew)) {
		return invalidField("occurred_at", "lies in the future")
	}
	if e.IsConversion() {
		if e.ConversionValueCents == nil {
			return invalidField("conversion_value_cents", "is required on conversion events")
		}
		if *e.ConversionValueCents < 0 {
			return invalidField("conversion_value_cents", "must be non-negative")
		}
	} else if e.ConversionValueCents != nil {
		return invalidField("conversion_value_cents", "is only valid on conversion events")
	}
	return nil
}

func (g *Gateway) reject(err error) {
	if g.metrics == nil {
		return
	}
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		g.metrics.RecordReject("invalid_" + verr.Field)
	case errors.Is(err, ErrTenantNotFound):
		g.metrics.RecordReject("unknown_tenant")
	case errors.Is(err, ErrRetentionWindowExceeded):
		g.metrics.RecordReject("retention_exceeded")
	default:
		g.metrics.RecordReject("other")
	}
}
