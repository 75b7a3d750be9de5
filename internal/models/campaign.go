package models

import (
	"errors"
	"time"
)

// AttributionMethod is a technique for linking a conversion to a campaign.
type AttributionMethod string

const (
	MethodPromoCode AttributionMethod = "promo_code"
	MethodPixel     AttributionMethod = "pixel"
	MethodUTM       AttributionMethod = "utm"
)

// ValidAttributionMethod reports whether m is a known method.
func ValidAttributionMethod(m AttributionMethod) bool {
	switch m {
	case MethodPromoCode, MethodPixel, MethodUTM:
		return true
	}
	return false
}

// AttributionStrategy selects the weighting model used by the ROI
// calculator. It is per-campaign configuration, not a global constant.
type AttributionStrategy string

const (
	StrategyLastTouch  AttributionStrategy = "last_touch"
	StrategyFirstTouch AttributionStrategy = "first_touch"
	StrategyLinear     AttributionStrategy = "linear"
)

// ValidAttributionStrategy reports whether s is a known strategy.
func ValidAttributionStrategy(s AttributionStrategy) bool {
	switch s {
	case StrategyLastTouch, StrategyFirstTouch, StrategyLinear:
		return true
	}
	return false
}

// AttributionConfigValue is the ordered list of enabled methods for a
// campaign. It is an explicit value object passed into the resolver per
// campaign so resolution is deterministic and testable per tenant.
type AttributionConfigValue struct {
	// Methods in strict priority order; first successful match wins.
	Methods []AttributionMethod `json:"methods"`
}

// Validate checks the method list for unknown or duplicate entries.
func (c AttributionConfigValue) Validate() error {
	if len(c.Methods) == 0 {
		return errors.New("attribution_config requires at least one method")
	}
	seen := make(map[AttributionMethod]bool, len(c.Methods))
	for _, m := range c.Methods {
		if !ValidAttributionMethod(m) {
			return errors.New("unknown attribution method: " + string(m))
		}
		if seen[m] {
			return errors.New("duplicate attribution method: " + string(m))
		}
		seen[m] = true
	}
	return nil
}

// Campaign is the sponsorship campaign as this engine sees it. CRUD
// lives elsewhere; the config interface pushes changes in.
type Campaign struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	// CostBasisCents is the monetary investment ROI is computed against.
	// Edits apply at query time only; historical rollups are untouched.
	CostBasisCents int64 `json:"cost_basis_cents"`

	AttributionConfig AttributionConfigValue `json:"attribution_config"`
	Strategy          AttributionStrategy    `json:"attribution_strategy"`

	// PromoCodes are the registered codes matched by the promo method.
	PromoCodes []string `json:"promo_codes,omitempty"`

	// UTMCampaign is the utm_campaign value matched by the utm method.
	UTMCampaign string `json:"utm_campaign,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks invariants the config interface must uphold.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("campaign id is required")
	}
	if c.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if c.CostBasisCents < 0 {
		return errors.New("cost_basis must be non-negative")
	}
	if !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return errors.New("end_date precedes start_date")
	}
	if c.Strategy == "" {
		c.Strategy = StrategyLastTouch
	}
	if !ValidAttributionStrategy(c.Strategy) {
		return errors.New("unknown attribution strategy: " + string(c.Strategy))
	}
	return c.AttributionConfig.Validate()
}

// InFlight reports whether t falls inside the campaign's active window.
// Events outside the window never contribute to the campaign's ROI.
func (c *Campaign) InFlight(t time.Time) bool {
	if t.Before(c.StartDate) {
		return false
	}
	if !c.EndDate.IsZero() && t.After(c.EndDate) {
		return false
	}
	return true
}

// HasPromoCode reports whether code is registered on the campaign.
func (c *Campaign) HasPromoCode(code string) bool {
	if code == "" {
		return false
	}
	for _, pc := range c.PromoCodes {
		if pc == code {
			return true
		}
	}
	return false
}

// Tenant is the isolation boundary. Every query the engine runs is
// scoped by tenant ID; no query crosses tenants even transiently.
type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Status        string    `json:"status"`
	RetentionDays int       `json:"retention_days"`
	CreatedAt     time.Time `json:"created_at"`
}

// RetentionWindow returns the tenant's retention window, falling back
// to def days when unset.
func (t *Tenant) RetentionWindow(defDays int) time.Duration {
	days := t.RetentionDays
	if days <= 0 {
		days = defDays
	}
	return time.Duration(days) * 24 * time.Hour
}
