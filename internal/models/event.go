package models

import (
	"time"
)

// EventType classifies an attribution event.
type EventType string

const (
	EventTypeImpression EventType = "impression"
	EventTypeClick      EventType = "click"
	EventTypeConversion EventType = "conversion"
	EventTypeDownload   EventType = "download"
	EventTypeListen     EventType = "listen"
)

// ValidEventType reports whether t is one of the accepted event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTypeImpression, EventTypeClick, EventTypeConversion, EventTypeDownload, EventTypeListen:
		return true
	}
	return false
}

// AttributionSignals carries the identity hints attached to an event.
// Any subset may be present; the resolver decides what is usable.
type AttributionSignals struct {
	PromoCode   string `json:"promo_code,omitempty"`
	DeviceHash  string `json:"device_hash,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	GeoCountry  string `json:"geo_country,omitempty"`
}

// Empty reports whether no attribution signal is present at all. The
// resolver distinguishes "no signal available" from "signal present
// but didn't match" when recording unattributed conversions.
func (s AttributionSignals) Empty() bool {
	return s.PromoCode == "" && s.DeviceHash == "" &&
		s.UTMSource == "" && s.UTMMedium == "" && s.UTMCampaign == ""
}

// AttributionEvent is the atomic fact of the engine. Events are written
// once by the ingestion gateway and never mutated; (tenant_id, event_id)
// is unique and a second delivery of the same key is a no-op.
type AttributionEvent struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	CampaignID string    `json:"campaign_id,omitempty"` // may be unknown at ingest time
	Type       EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	IngestedAt time.Time `json:"ingested_at"`

	Signals AttributionSignals `json:"attribution_signals"`

	// ConversionValueCents is required on conversion events and must
	// be absent on everything else; nil distinguishes an omitted value
	// from a genuine zero-value conversion. Monetary values are integer
	// cents so aggregation folds are exact.
	ConversionValueCents *int64 `json:"conversion_value_cents,omitempty"`

	// ClientIP is transport-level context used for geo enrichment.
	// It is never stored.
	ClientIP string `json:"-"`
}

// IsConversion reports whether the event is a conversion.
func (e *AttributionEvent) IsConversion() bool {
	return e.Type == EventTypeConversion
}

// ValueCents returns the conversion value, 0 when unset.
func (e *AttributionEvent) ValueCents() int64 {
	if e.ConversionValueCents == nil {
		return 0
	}
	return *e.ConversionValueCents
}

// Day returns the UTC day bucket the event falls into.
func (e *AttributionEvent) Day() time.Time {
	return e.OccurredAt.UTC().Truncate(24 * time.Hour)
}

// IngestStatus is the outcome reported to the caller of the gateway.
type IngestStatus string

const (
	IngestAccepted     IngestStatus = "accepted"
	IngestDeduplicated IngestStatus = "deduplicated"
	IngestRejected     IngestStatus = "rejected"
)
