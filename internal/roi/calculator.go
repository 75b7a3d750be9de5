package roi

import (
	"github.com/podsight/attribution-engine/internal/models"
)

// Result holds the derived financial metrics for one campaign window.
type Result struct {
	ROI               float64
	ROIPercentage     float64
	AverageOrderValue *float64
	ConversionRate    float64
}

// Calculate derives ROI figures from aggregate counts. Cost basis and
// revenue are integer cents; derived ratios are the only floats.
// A zero cost basis yields zero ROI rather than infinity, and average
// order value is nil when there are no conversions so callers can tell
// "no data" apart from "zero value".
func Calculate(revenueCents, costBasisCents, conversions, clicks int64) Result {
	var r Result

	if costBasisCents > 0 {
		r.ROI = float64(revenueCents-costBasisCents) / float64(costBasisCents)
		r.ROIPercentage = r.ROI * 100
	}

	if conversions > 0 {
		aov := float64(revenueCents) / float64(conversions) / 100
		r.AverageOrderValue = &aov
	}

	if clicks > 0 {
		r.ConversionRate = float64(conversions) / float64(clicks)
	}

	return r
}

// CreditSplit is the share of one conversion's value assigned to a
// campaign under a weighting strategy.
type CreditSplit struct {
	CampaignID string
	ValueCents int64
}

// SplitCredit divides a conversion's value across the touchpoints in
// its journey according to the campaign's weighting strategy.
// Last-touch and first-touch assign the full value to one touchpoint;
// linear splits it evenly with the remainder cents going to the
// earliest touchpoints so the parts always sum to the whole.
func SplitCredit(strategy models.AttributionStrategy, valueCents int64, touchpoints []models.Touchpoint) []CreditSplit {
	if len(touchpoints) == 0 {
		return nil
	}

	switch strategy {
	case models.StrategyFirstTouch:
		return []CreditSplit{{CampaignID: touchpoints[0].CampaignID, ValueCents: valueCents}}
	case models.StrategyLinear:
		n := int64(len(touchpoints))
		share := valueCents / n
		remainder := valueCents % n
		splits := make([]CreditSplit, 0, n)
		credit := make(map[string]int64, n)
		order := make([]string, 0, n)
		for i, tp := range touchpoints {
			v := share
			if int64(i) < remainder {
				v++
			}
			if _, seen := credit[tp.CampaignID]; !seen {
				order = append(order, tp.CampaignID)
			}
			credit[tp.CampaignID] += v
		}
		for _, id := range order {
			splits = append(splits, CreditSplit{CampaignID: id, ValueCents: credit[id]})
		}
		return splits
	default: // last touch
		last := touchpoints[len(touchpoints)-1]
		return []CreditSplit{{CampaignID: last.CampaignID, ValueCents: valueCents}}
	}
}
