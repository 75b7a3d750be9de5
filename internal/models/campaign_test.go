package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validCampaign() *Campaign {
	return &Campaign{
		ID:        "camp-1",
		TenantID:  "pod-net",
		StartDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		AttributionConfig: AttributionConfigValue{
			Methods: []AttributionMethod{MethodPromoCode, MethodPixel},
		},
	}
}

func TestCampaign_Validate(t *testing.T) {
	c := validCampaign()
	assert.NoError(t, c.Validate())
	assert.Equal(t, StrategyLastTouch, c.Strategy, "strategy defaults to last touch")
}

func TestCampaign_Validate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Campaign)
	}{
		{"missing id", func(c *Campaign) { c.ID = "" }},
		{"missing tenant", func(c *Campaign) { c.TenantID = "" }},
		{"negative cost basis", func(c *Campaign) { c.CostBasisCents = -1 }},
		{"end before start", func(c *Campaign) { c.EndDate = c.StartDate.AddDate(0, -1, 0) }},
		{"unknown strategy", func(c *Campaign) { c.Strategy = "u_shaped" }},
		{"no methods", func(c *Campaign) { c.AttributionConfig.Methods = nil }},
		{"unknown method", func(c *Campaign) {
			c.AttributionConfig.Methods = []AttributionMethod{"fingerprint"}
		}},
		{"duplicate method", func(c *Campaign) {
			c.AttributionConfig.Methods = []AttributionMethod{MethodPixel, MethodPixel}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCampaign()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestCampaign_InFlight(t *testing.T) {
	c := validCampaign()

	assert.True(t, c.InFlight(time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)))
	assert.False(t, c.InFlight(time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC)))
	assert.False(t, c.InFlight(time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)))

	c.EndDate = time.Time{} // open-ended
	assert.True(t, c.InFlight(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCampaign_HasPromoCode(t *testing.T) {
	c := validCampaign()
	c.PromoCodes = []string{"SAVE20", "LAUNCH"}

	assert.True(t, c.HasPromoCode("SAVE20"))
	assert.False(t, c.HasPromoCode("save20"), "promo codes match exactly")
	assert.False(t, c.HasPromoCode(""))
}

func TestTenant_RetentionWindow(t *testing.T) {
	tenant := &Tenant{ID: "pod-net", RetentionDays: 30}
	assert.Equal(t, 30*24*time.Hour, tenant.RetentionWindow(90))

	tenant.RetentionDays = 0
	assert.Equal(t, 90*24*time.Hour, tenant.RetentionWindow(90))
}
