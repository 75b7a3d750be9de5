package enrich

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/models"
)

// GeoEnricher fills in the event's listener country from its client IP
// using a MaxMind GeoLite2 database. Only the country code is kept;
// the IP itself is dropped after the lookup.
type GeoEnricher struct {
	reader *geoip2.Reader
	logger *zap.Logger
}

func NewGeoEnricher(dbPath string, logger *zap.Logger) (*GeoEnricher, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &GeoEnricher{reader: reader, logger: logger}, nil
}

// Enrich sets the geo country signal when the producer did not supply
// one. Lookup failures leave the event untouched; enrichment is never
// a reason to reject an event.
func (g *GeoEnricher) Enrich(_ context.Context, e *models.AttributionEvent) {
	if e.Signals.GeoCountry != "" || e.ClientIP == "" {
		return
	}

	ip := net.ParseIP(e.ClientIP)
	if ip == nil {
		return
	}

	record, err := g.reader.Country(ip)
	if err != nil {
		g.logger.Debug("geo lookup failed", zap.String("ip", e.ClientIP), zap.Error(err))
		return
	}
	e.Signals.GeoCountry = record.Country.IsoCode
}

// Close closes the GeoIP database.
func (g *GeoEnricher) Close() error {
	if g.reader != nil {
		return g.reader.Close()
	}
	return nil
}
