package models

import (
	"time"
)

// AttributionRecord is the resolved outcome for one conversion event.
// Exactly one current record exists per conversion; recomputation
// inserts a new record and marks the old one superseded, never editing
// in place.
type AttributionRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	EventID  string `json:"event_id"`

	// ResolvedCampaignID is empty when the conversion is unattributed.
	ResolvedCampaignID string `json:"resolved_campaign_id,omitempty"`

	// MethodUsed is empty for unattributed conversions.
	MethodUsed AttributionMethod `json:"method_used,omitempty"`

	// Confidence is 1.0 for deterministic matches. Probabilistic
	// cross-device matches below the configured threshold are recorded
	// with their score and surfaced distinctly, never upgraded.
	Confidence float64 `json:"resolution_confidence"`

	// SignalsPresent distinguishes "no signal available" from "signal
	// present but didn't match" for unattributed conversions.
	SignalsPresent bool `json:"signals_present"`

	Superseded bool      `json:"superseded"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Attributed reports whether the record credits a campaign.
func (r *AttributionRecord) Attributed() bool {
	return r.ResolvedCampaignID != ""
}

// Touchpoint is one prior impression or click in a converting
// identity's journey, used by multi-touch weighting.
type Touchpoint struct {
	EventID    string    `json:"event_id"`
	CampaignID string    `json:"campaign_id"`
	Type       EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}
