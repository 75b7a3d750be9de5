package attribution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/metrics"
	"github.com/podsight/attribution-engine/internal/models"
	"github.com/podsight/attribution-engine/internal/storage"
)

// Config carries the resolver tunables.
type Config struct {
	Workers             int
	QueueSize           int
	PixelLookback       time.Duration
	ConfidenceThreshold float64
	MaxRetries          int
	RetryBaseDelay      time.Duration
	SweepInterval       time.Duration
}

// PixelMatcher links a conversion's device hash to a campaign's prior
// touches. The exact matcher reports confidence 1.0; a probabilistic
// cross-device matcher can report lower scores, which the resolver
// records as-is and never upgrades.
type PixelMatcher interface {
	PriorTouch(ctx context.Context, tenantID, campaignID, deviceHash string, since, until time.Time) (matched bool, confidence float64, err error)
}

// ExactDeviceMatcher matches the device hash literally against the
// event log.
type ExactDeviceMatcher struct {
	events storage.EventStore
}

func NewExactDeviceMatcher(events storage.EventStore) *ExactDeviceMatcher {
	return &ExactDeviceMatcher{events: events}
}

func (m *ExactDeviceMatcher) PriorTouch(ctx context.Context, tenantID, campaignID, deviceHash string, since, until time.Time) (bool, float64, error) {
	matched, err := m.events.HasPriorTouch(ctx, tenantID, campaignID, deviceHash, since, until)
	if err != nil {
		return false, 0, err
	}
	return matched, 1.0, nil
}

type task struct {
	TenantID string
	EventID  string
}

// Resolver turns conversion events into attribution records. Work
// arrives on an in-process queue fed by the ingestion gateway; a
// periodic sweep over unresolved conversions in the database catches
// anything lost to a restart or a full queue, so resolution needs no
// external broker to be reliable.
type Resolver struct {
	events    storage.EventStore
	campaigns storage.CampaignRepo
	records   storage.AttributionStore
	matcher   PixelMatcher
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	queue  chan task
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewResolver(
	events storage.EventStore,
	campaigns storage.CampaignRepo,
	records storage.AttributionStore,
	matcher PixelMatcher,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Resolver {
	if matcher == nil {
		matcher = NewExactDeviceMatcher(events)
	}
	return &Resolver{
		events:    events,
		campaigns: campaigns,
		records:   records,
		matcher:   matcher,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		queue:     make(chan task, cfg.QueueSize),
	}
}

// Start launches the worker pool and the pending sweep.
func (r *Resolver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("attribution resolver started",
		zap.Int("workers", r.cfg.Workers),
		zap.Int("queue_size", r.cfg.QueueSize))
}

// Stop cancels the workers and waits for in-flight resolutions.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue hands a conversion to the worker pool without blocking.
// A false return means the queue is full; the sweep will pick the
// conversion up later.
func (r *Resolver) Enqueue(tenantID, eventID string) bool {
	select {
	case r.queue <- task{TenantID: tenantID, EventID: eventID}:
		return true
	default:
		return false
	}
}

func (r *Resolver) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			r.resolveWithRetry(ctx, t)
		}
	}
}

func (r *Resolver) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	// Immediate first sweep recovers conversions orphaned by a restart.
	r.sweep(ctx)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Resolver) sweep(ctx context.Context) {
	pending, err := r.records.PendingConversions(ctx, 500)
	if err != nil {
		r.logger.Error("pending conversion sweep failed", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.PendingResolutions.Set(float64(len(pending)))
	}
	for _, p := range pending {
		if !r.Enqueue(p.TenantID, p.EventID) {
			return
		}
	}
}

func (r *Resolver) resolveWithRetry(ctx context.Context, t task) {
	delay := r.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := r.Resolve(ctx, t.TenantID, t.EventID)
		if err == nil {
			return
		}
		if attempt >= r.cfg.MaxRetries {
			if r.metrics != nil {
				r.metrics.ResolutionFailures.WithLabelValues(t.TenantID).Inc()
			}
			r.logger.Error("resolution abandoned after retries, conversion stays pending",
				zap.String("tenant_id", t.TenantID),
				zap.String("event_id", t.EventID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}
		if r.metrics != nil {
			r.metrics.ResolutionRetries.Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
}

// Resolve computes and stores the attribution record for one
// conversion. It is safe to call for an already-resolved conversion;
// the fresh record supersedes the old one, which is how campaign
// config changes are reapplied.
func (r *Resolver) Resolve(ctx context.Context, tenantID, eventID string) error {
	start := time.Now()

	event, err := r.events.GetByID(ctx, tenantID, eventID)
	if err != nil {
		return fmt.Errorf("failed to load conversion: %w", err)
	}
	if event == nil {
		// Erased between enqueue and resolution.
		return nil
	}
	if !event.IsConversion() {
		return nil
	}

	candidates, err := r.candidates(ctx, event)
	if err != nil {
		return err
	}

	match, err := r.bestMatch(ctx, event, candidates)
	if err != nil {
		return err
	}

	record := &models.AttributionRecord{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		EventID:        eventID,
		SignalsPresent: !event.Signals.Empty(),
		ResolvedAt:     time.Now().UTC(),
	}
	method := "unattributed"
	if match != nil {
		record.ResolvedCampaignID = match.campaignID
		record.MethodUsed = match.method
		record.Confidence = match.confidence
		method = string(match.method)
		if match.confidence < r.cfg.ConfidenceThreshold {
			method += "_low_confidence"
		}
	}

	if err := r.records.InsertRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to store attribution record: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RecordResolution(method, time.Since(start))
	}
	r.logger.Debug("conversion resolved",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", eventID),
		zap.String("method", method),
		zap.String("campaign_id", record.ResolvedCampaignID),
		zap.Float64("confidence", record.Confidence))
	return nil
}

// candidates returns the campaigns the conversion may credit. A
// conversion carrying its own campaign_id is checked against that
// campaign alone; otherwise every campaign in flight at occurred_at is
// a candidate.
func (r *Resolver) candidates(ctx context.Context, e *models.AttributionEvent) ([]*models.Campaign, error) {
	if e.CampaignID != "" {
		c, err := r.campaigns.GetByID(ctx, e.TenantID, e.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("failed to load campaign: %w", err)
		}
		if c == nil || !c.InFlight(e.OccurredAt) {
			return nil, nil
		}
		return []*models.Campaign{c}, nil
	}

	list, err := r.campaigns.ListInFlight(ctx, e.TenantID, e.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight campaigns: %w", err)
	}
	return list, nil
}

type matchResult struct {
	campaignID string
	method     models.AttributionMethod
	confidence float64
	rank       int
}

// bestMatch evaluates each candidate's configured methods in priority
// order and keeps the match with the highest-priority method. Ties on
// method priority go to the earlier candidate, which the repository
// returns in stable ID order, so resolution is deterministic.
func (r *Resolver) bestMatch(ctx context.Context, e *models.AttributionEvent, candidates []*models.Campaign) (*matchResult, error) {
	var best *matchResult
	for _, c := range candidates {
		for rank, m := range c.AttributionConfig.Methods {
			if best != nil && best.rank <= rank {
				break
			}
			matched, confidence, err := r.tryMethod(ctx, e, c, m)
			if err != nil {
				return nil, err
			}
			if matched {
				best = &matchResult{
					campaignID: c.ID,
					method:     m,
					confidence: confidence,
					rank:       rank,
				}
				break
			}
		}
	}
	return best, nil
}

func (r *Resolver) tryMethod(ctx context.Context, e *models.AttributionEvent, c *models.Campaign, m models.AttributionMethod) (bool, float64, error) {
	switch m {
	case models.MethodPromoCode:
		if c.HasPromoCode(e.Signals.PromoCode) {
			return true, 1.0, nil
		}
	case models.MethodPixel:
		if e.Signals.DeviceHash == "" {
			return false, 0, nil
		}
		since := e.OccurredAt.Add(-r.cfg.PixelLookback)
		matched, confidence, err := r.matcher.PriorTouch(ctx, e.TenantID, c.ID, e.Signals.DeviceHash, since, e.OccurredAt)
		if err != nil {
			return false, 0, fmt.Errorf("failed pixel match lookup: %w", err)
		}
		return matched, confidence, nil
	case models.MethodUTM:
		if e.Signals.UTMCampaign != "" && c.UTMCampaign != "" && e.Signals.UTMCampaign == c.UTMCampaign {
			return true, 1.0, nil
		}
	}
	return false, 0, nil
}
