package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/models"
	"github.com/podsight/attribution-engine/internal/storage"
)

// MockEventStore is a mock implementation of storage.EventStore
type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Insert(ctx context.Context, e *models.AttributionEvent) (bool, error) {
	args := m.Called(ctx, e)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventStore) GetByID(ctx context.Context, tenantID, eventID string) (*models.AttributionEvent, error) {
	args := m.Called(ctx, tenantID, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AttributionEvent), args.Error(1)
}

func (m *MockEventStore) HasPriorTouch(ctx context.Context, tenantID, campaignID, deviceHash string, since, until time.Time) (bool, error) {
	args := m.Called(ctx, tenantID, campaignID, deviceHash, since, until)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventStore) Touchpoints(ctx context.Context, tenantID, deviceHash string, since, until time.Time) ([]*models.Touchpoint, error) {
	args := m.Called(ctx, tenantID, deviceHash, since, until)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Touchpoint), args.Error(1)
}

func (m *MockEventStore) ConversionsByTenant(ctx context.Context, tenantID string, start, end time.Time) ([]*models.AttributionEvent, error) {
	args := m.Called(ctx, tenantID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AttributionEvent), args.Error(1)
}

func (m *MockEventStore) DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error) {
	args := m.Called(ctx, tenantID, campaignID)
	return args.Get(0).(int64), args.Error(1)
}

// MockCampaignRepo is a mock implementation of storage.CampaignRepo
type MockCampaignRepo struct {
	mock.Mock
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Campaign), args.Error(1)
}

func (m *MockCampaignRepo) ListByTenant(ctx context.Context, tenantID string) ([]*models.Campaign, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Campaign), args.Error(1)
}

func (m *MockCampaignRepo) ListInFlight(ctx context.Context, tenantID string, at time.Time) ([]*models.Campaign, error) {
	args := m.Called(ctx, tenantID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Campaign), args.Error(1)
}

func (m *MockCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockCampaignRepo) Delete(ctx context.Context, tenantID, id string) error {
	args := m.Called(ctx, tenantID, id)
	return args.Error(0)
}

// MockAttributionStore is a mock implementation of storage.AttributionStore
type MockAttributionStore struct {
	mock.Mock
}

func (m *MockAttributionStore) InsertRecord(ctx context.Context, r *models.AttributionRecord) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockAttributionStore) CurrentRecord(ctx context.Context, tenantID, eventID string) (*models.AttributionRecord, error) {
	args := m.Called(ctx, tenantID, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AttributionRecord), args.Error(1)
}

func (m *MockAttributionStore) PendingConversions(ctx context.Context, limit int) ([]storage.PendingConversion, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.PendingConversion), args.Error(1)
}

func (m *MockAttributionStore) MethodBreakdown(ctx context.Context, tenantID, campaignID string, start, end time.Time, lowConfidence float64) (map[string]int64, error) {
	args := m.Called(ctx, tenantID, campaignID, start, end, lowConfidence)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func (m *MockAttributionStore) AttributionCount(ctx context.Context, tenantID, campaignID string, start, end time.Time) (int64, error) {
	args := m.Called(ctx, tenantID, campaignID, start, end)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAttributionStore) DeleteByTenant(ctx context.Context, tenantID, campaignID string) (int64, error) {
	args := m.Called(ctx, tenantID, campaignID)
	return args.Get(0).(int64), args.Error(1)
}

// staticMatcher returns a fixed match result, standing in for a
// probabilistic cross-device matcher.
type staticMatcher struct {
	matched    bool
	confidence float64
}

func (s staticMatcher) PriorTouch(context.Context, string, string, string, time.Time, time.Time) (bool, float64, error) {
	return s.matched, s.confidence, nil
}

func testResolverConfig() Config {
	return Config{
		Workers:             1,
		QueueSize:           16,
		PixelLookback:       30 * 24 * time.Hour,
		ConfidenceThreshold: 0.8,
		MaxRetries:          2,
		RetryBaseDelay:      time.Millisecond,
		SweepInterval:       time.Minute,
	}
}

func campaignWith(id string, methods ...models.AttributionMethod) *models.Campaign {
	return &models.Campaign{
		ID:                id,
		TenantID:          "pod-net",
		StartDate:         time.Now().UTC().AddDate(0, -1, 0),
		AttributionConfig: models.AttributionConfigValue{Methods: methods},
		Strategy:          models.StrategyLastTouch,
	}
}

func conversion(signals models.AttributionSignals) *models.AttributionEvent {
	value := int64(2500)
	return &models.AttributionEvent{
		EventID:              "conv-1",
		TenantID:             "pod-net",
		Type:                 models.EventTypeConversion,
		OccurredAt:           time.Now().UTC().Add(-time.Hour),
		Signals:              signals,
		ConversionValueCents: &value,
	}
}

func TestResolver_Resolve_PromoCodeMatch(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	c := campaignWith("camp-1", models.MethodPromoCode)
	c.PromoCodes = []string{"SAVE20"}

	event := conversion(models.AttributionSignals{PromoCode: "SAVE20"})
	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{c}, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.NotNil(t, stored)
	assert.Equal(t, "camp-1", stored.ResolvedCampaignID)
	assert.Equal(t, models.MethodPromoCode, stored.MethodUsed)
	assert.Equal(t, 1.0, stored.Confidence)
	assert.True(t, stored.SignalsPresent)
}

func TestResolver_Resolve_PixelMatch(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	c := campaignWith("camp-1", models.MethodPixel)
	event := conversion(models.AttributionSignals{DeviceHash: "abc123"})

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{c}, nil)
	events.On("HasPriorTouch", mock.Anything, "pod-net", "camp-1", "abc123",
		event.OccurredAt.Add(-30*24*time.Hour), event.OccurredAt).Return(true, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.Equal(t, models.MethodPixel, stored.MethodUsed)
	assert.Equal(t, 1.0, stored.Confidence)
}

func TestResolver_Resolve_UTMMatch(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	c := campaignWith("camp-1", models.MethodUTM)
	c.UTMCampaign = "spring-launch"
	event := conversion(models.AttributionSignals{UTMCampaign: "spring-launch"})

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{c}, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.Equal(t, "camp-1", stored.ResolvedCampaignID)
	assert.Equal(t, models.MethodUTM, stored.MethodUsed)
}

func TestResolver_Resolve_MethodPriorityWins(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	// camp-a matches utm, its second-priority method; camp-b matches
	// its promo code at first priority, so camp-b wins even though
	// camp-a is evaluated first.
	campA := campaignWith("camp-a", models.MethodPixel, models.MethodUTM)
	campA.UTMCampaign = "spring-launch"
	campB := campaignWith("camp-b", models.MethodPromoCode, models.MethodUTM)
	campB.PromoCodes = []string{"SAVE20"}

	event := conversion(models.AttributionSignals{
		PromoCode:   "SAVE20",
		UTMCampaign: "spring-launch",
	})

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{campA, campB}, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.Equal(t, "camp-b", stored.ResolvedCampaignID)
	assert.Equal(t, models.MethodPromoCode, stored.MethodUsed)
}

func TestResolver_Resolve_UnattributedWithSignals(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	c := campaignWith("camp-1", models.MethodPromoCode)
	c.PromoCodes = []string{"SAVE20"}
	event := conversion(models.AttributionSignals{PromoCode: "OTHERCODE"})

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{c}, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.False(t, stored.Attributed())
	assert.Empty(t, stored.ResolvedCampaignID)
	assert.True(t, stored.SignalsPresent)
}

func TestResolver_Resolve_UnattributedWithoutSignals(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	event := conversion(models.AttributionSignals{})
	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{}, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.False(t, stored.Attributed())
	assert.False(t, stored.SignalsPresent)
}

func TestResolver_Resolve_LowConfidenceMatchIsRecordedAsIs(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	c := campaignWith("camp-1", models.MethodPixel)
	event := conversion(models.AttributionSignals{DeviceHash: "abc123"})

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("ListInFlight", mock.Anything, "pod-net", event.OccurredAt).
		Return([]*models.Campaign{c}, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	matcher := staticMatcher{matched: true, confidence: 0.55}
	r := NewResolver(events, campaigns, records, matcher, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.Equal(t, "camp-1", stored.ResolvedCampaignID)
	assert.Equal(t, 0.55, stored.Confidence)
}

func TestResolver_Resolve_ScopedCampaignOutOfWindow(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	c := campaignWith("camp-1", models.MethodPromoCode)
	c.PromoCodes = []string{"SAVE20"}
	c.StartDate = time.Now().UTC().AddDate(0, 0, 7) // not started yet

	event := conversion(models.AttributionSignals{PromoCode: "SAVE20"})
	event.CampaignID = "camp-1"

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(event, nil)
	campaigns.On("GetByID", mock.Anything, "pod-net", "camp-1").Return(c, nil)

	var stored *models.AttributionRecord
	records.On("InsertRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*models.AttributionRecord)
		}).Return(nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	assert.False(t, stored.Attributed())
}

func TestResolver_Resolve_ErasedEventIsNoOp(t *testing.T) {
	events := new(MockEventStore)
	campaigns := new(MockCampaignRepo)
	records := new(MockAttributionStore)

	events.On("GetByID", mock.Anything, "pod-net", "conv-1").Return(nil, nil)

	r := NewResolver(events, campaigns, records, nil, testResolverConfig(), zap.NewNop(), nil)

	err := r.Resolve(context.Background(), "pod-net", "conv-1")

	assert.NoError(t, err)
	records.AssertNotCalled(t, "InsertRecord", mock.Anything, mock.Anything)
}

func TestResolver_EnqueueFullQueue(t *testing.T) {
	cfg := testResolverConfig()
	cfg.QueueSize = 1
	r := NewResolver(new(MockEventStore), new(MockCampaignRepo), new(MockAttributionStore), nil, cfg, zap.NewNop(), nil)

	// Workers are not started, so the first enqueue fills the buffer.
	assert.True(t, r.Enqueue("pod-net", "conv-1"))
	assert.False(t, r.Enqueue("pod-net", "conv-2"))
}
