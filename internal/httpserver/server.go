package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/config"
	"github.com/podsight/attribution-engine/internal/database"
	"github.com/podsight/attribution-engine/internal/erasure"
	"github.com/podsight/attribution-engine/internal/ingest"
	"github.com/podsight/attribution-engine/internal/metrics"
	"github.com/podsight/attribution-engine/internal/models"
	"github.com/podsight/attribution-engine/internal/query"
	"github.com/podsight/attribution-engine/internal/storage"
)

// TransparentPixel is a 1x1 transparent GIF
var TransparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00,
	0x01, 0x00, 0x80, 0x00, 0x00, 0xFF, 0xFF, 0xFF,
	0x00, 0x00, 0x00, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3B,
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB        *database.PostgresDB
	Gateway   *ingest.Gateway
	Query     *query.Service
	Erasure   *erasure.Service
	Campaigns storage.CampaignRepo
	Tenants   storage.TenantRepo
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Server wraps the HTTP handlers over the engine's services.
type Server struct {
	db        *database.PostgresDB
	gateway   *ingest.Gateway
	query     *query.Service
	erasure   *erasure.Service
	campaigns storage.CampaignRepo
	tenants   storage.TenantRepo
	logger    *zap.Logger
	config    *config.Config
	metrics   *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		db:        deps.DB,
		gateway:   deps.Gateway,
		query:     deps.Query,
		erasure:   deps.Erasure,
		campaigns: deps.Campaigns,
		tenants:   deps.Tenants,
		logger:    deps.Logger,
		config:    deps.Config,
		metrics:   deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Event ingestion
	mux.HandleFunc("/ingest/events", s.handleIngestEvent)
	mux.HandleFunc("/track/pixel", s.handleTrackingPixel)

	// Campaign configuration
	mux.HandleFunc("/campaigns", s.handleCampaigns)
	mux.HandleFunc("/campaigns/", s.handleCampaignByID)

	// Tenants
	mux.HandleFunc("/tenants", s.handleTenants)

	// Metrics query API
	mux.HandleFunc("/v1/campaigns/", s.handleCampaignMetrics)

	// Data erasure
	mux.HandleFunc("/erasure", s.handleErasure)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Health(r.Context()); err != nil {
			s.errorResponse(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// ---- Event Ingestion ----

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event models.AttributionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.rejectedResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	event.ClientIP = clientIP(r)

	status, err := s.gateway.Ingest(r.Context(), &event)
	if err != nil {
		s.ingestError(w, err)
		return
	}

	code := http.StatusOK
	if status == models.IngestAccepted {
		code = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":   string(status),
		"event_id": event.EventID,
	})
}

// ingestError reports a rejection in the same envelope as a success,
// {status, reason}, so producers switch on status rather than on HTTP
// codes alone.
func (s *Server) ingestError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		s.rejectedResponse(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, ingest.ErrTenantNotFound):
		s.rejectedResponse(w, "unknown tenant", http.StatusNotFound)
	case errors.Is(err, ingest.ErrRetentionWindowExceeded):
		s.rejectedResponse(w, "event older than retention window", http.StatusBadRequest)
	case errors.Is(err, ingest.ErrTransientDependency):
		s.logger.Error("ingest dependency failure", zap.Error(err))
		s.rejectedResponse(w, "temporarily unavailable, retry", http.StatusServiceUnavailable)
	default:
		s.logger.Error("ingest error", zap.Error(err))
		s.rejectedResponse(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) rejectedResponse(w http.ResponseWriter, reason string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(models.IngestRejected),
		"reason": reason,
	})
}

// handleTrackingPixel ingests an impression or click from a pixel
// fire. The pixel is always returned with 200 so a broken tag never
// breaks the embedding page; rejections only show up in logs and
// metrics.
func (s *Server) handleTrackingPixel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	eventType := models.EventType(q.Get("type"))
	if eventType == "" {
		eventType = models.EventTypeImpression
	}
	eventID := q.Get("event_id")
	if eventID == "" {
		eventID = uuid.New().String()
	}

	event := models.AttributionEvent{
		EventID:    eventID,
		TenantID:   q.Get("tenant_id"),
		CampaignID: q.Get("campaign_id"),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Signals: models.AttributionSignals{
			DeviceHash:  q.Get("dh"),
			UTMSource:   q.Get("utm_source"),
			UTMMedium:   q.Get("utm_medium"),
			UTMCampaign: q.Get("utm_campaign"),
		},
		ClientIP: clientIP(r),
	}

	if _, err := s.gateway.Ingest(r.Context(), &event); err != nil {
		s.logger.Debug("pixel event rejected",
			zap.String("tenant_id", event.TenantID),
			zap.Error(err))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(TransparentPixel)
}

// ---- Campaign Configuration ----

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantID(r)
	if tenantID == "" {
		s.errorResponse(w, "tenant_id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := s.campaigns.ListByTenant(r.Context(), tenantID)
		if err != nil {
			s.logger.Error("failed to list campaigns", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var c models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		c.TenantID = tenantID
		if err := c.Validate(); err != nil {
			s.errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.campaigns.Upsert(r.Context(), &c); err != nil {
			s.logger.Error("failed to save campaign", zap.Error(err))
			s.errorResponse(w, "failed to save", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, c)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/campaigns/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	tenantID := s.tenantID(r)
	if tenantID == "" {
		s.errorResponse(w, "tenant_id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := s.campaigns.GetByID(r.Context(), tenantID, id)
		if err != nil {
			s.logger.Error("failed to get campaign", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if c == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, c)

	case http.MethodPut:
		var c models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		c.ID = id
		c.TenantID = tenantID
		if err := c.Validate(); err != nil {
			s.errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.campaigns.Upsert(r.Context(), &c); err != nil {
			s.logger.Error("failed to save campaign", zap.Error(err))
			s.errorResponse(w, "failed to save", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, c)

	case http.MethodDelete:
		if err := s.campaigns.Delete(r.Context(), tenantID, id); err != nil {
			s.logger.Error("failed to delete campaign", zap.Error(err))
			s.errorResponse(w, "failed to delete", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Tenants ----

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var t models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if t.ID == "" {
		s.errorResponse(w, "id required", http.StatusBadRequest)
		return
	}
	if t.Status == "" {
		t.Status = "active"
	}
	if err := s.tenants.Upsert(r.Context(), &t); err != nil {
		s.logger.Error("failed to save tenant", zap.Error(err))
		s.errorResponse(w, "failed to save", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, t)
}

// ---- Campaign Metrics ----

func (s *Server) handleCampaignMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /v1/campaigns/{id}/metrics
	rest := strings.TrimPrefix(r.URL.Path, "/v1/campaigns/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "metrics" {
		http.NotFound(w, r)
		return
	}
	campaignID := parts[0]

	tenantID := s.tenantID(r)
	if tenantID == "" {
		s.errorResponse(w, "tenant_id required", http.StatusBadRequest)
		return
	}

	start, end, err := parseWindow(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := s.query.GetCampaignMetrics(r.Context(), tenantID, campaignID, start, end)
	if err != nil {
		if errors.Is(err, query.ErrCampaignNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("metrics query failed",
			zap.String("tenant_id", tenantID),
			zap.String("campaign_id", campaignID),
			zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, m)
}

// parseWindow reads the start/end query params, defaulting to the
// last 30 days.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -30)
	end := now

	if v := q.Get("start"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start date")
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid end date")
		}
		// An end date names a whole day, inclusive.
		end = t.Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ---- Data Erasure ----

type erasureRequest struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id,omitempty"`
}

func (s *Server) handleErasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req erasureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		s.errorResponse(w, "tenant_id required", http.StatusBadRequest)
		return
	}

	report, err := s.erasure.Erase(r.Context(), req.TenantID, req.CampaignID)
	if err != nil {
		s.logger.Error("erasure failed",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
		s.errorResponse(w, "erasure failed", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, report)
}

// ---- Helper Methods ----

// tenantID reads the tenant scope for management endpoints, header
// first with a query fallback for curl convenience.
func (s *Server) tenantID(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return r.URL.Query().Get("tenant_id")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
