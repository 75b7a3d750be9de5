package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/ingest"
)

func TestParseWindow_Defaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/campaigns/camp-1/metrics", nil)

	start, end, err := parseWindow(r)

	require.NoError(t, err)
	assert.InDelta(t, 30*24*time.Hour, end.Sub(start), float64(time.Minute))
}

func TestParseWindow_DateRange(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/campaigns/camp-1/metrics?start=2026-08-01&end=2026-08-15", nil)

	start, end, err := parseWindow(r)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), start)
	// End date is inclusive, so the window extends to the next midnight.
	assert.Equal(t, time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC), end)
}

func TestParseWindow_RFC3339(t *testing.T) {
	r := httptest.NewRequest("GET", "/metrics?start=2026-08-01T06:00:00Z", nil)

	start, _, err := parseWindow(r)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC), start)
}

func TestParseWindow_Invalid(t *testing.T) {
	for _, q := range []string{
		"start=yesterday",
		"end=08/15/2026",
		"start=2026-08-15&end=2026-08-01",
	} {
		r := httptest.NewRequest("GET", "/metrics?"+q, nil)
		_, _, err := parseWindow(r)
		assert.Error(t, err, q)
	}
}

func TestIngestError_RejectionEnvelope(t *testing.T) {
	s := &Server{logger: zap.NewNop()}

	tests := []struct {
		name   string
		err    error
		code   int
		reason string
	}{
		{
			name:   "validation failure",
			err:    &ingest.ValidationError{Field: "event_id", Reason: "is required"},
			code:   http.StatusBadRequest,
			reason: `invalid event: field "event_id" is required`,
		},
		{
			name:   "unknown tenant",
			err:    ingest.ErrTenantNotFound,
			code:   http.StatusNotFound,
			reason: "unknown tenant",
		},
		{
			name:   "stale event",
			err:    ingest.ErrRetentionWindowExceeded,
			code:   http.StatusBadRequest,
			reason: "event older than retention window",
		},
		{
			name:   "dependency down",
			err:    ingest.ErrTransientDependency,
			code:   http.StatusServiceUnavailable,
			reason: "temporarily unavailable, retry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			s.ingestError(rec, tt.err)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "rejected", body["status"])
			assert.Equal(t, tt.reason, body["reason"])
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:51234"
	assert.Equal(t, "10.0.0.5", clientIP(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	assert.Equal(t, "198.51.100.2", clientIP(r))
}
