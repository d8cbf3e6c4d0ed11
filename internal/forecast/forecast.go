package forecast

import (
	"sort"
	"strings"

	"github.com/mbaren/dealboard/internal/models"
)

// Summary is the full forecast for one region and period.
type Summary struct {
	Simple           float64          `json:"simple"`
	Weighted         float64          `json:"weighted"`
	Target           float64          `json:"target"`
	Gap              float64          `json:"gap"`
	AchievementRate  float64          `json:"achievement_rate"`
	PipelineCoverage float64          `json:"pipeline_coverage"`
	DealCount        int              `json:"deal_count"`
	ByStage          []GroupBreakdown `json:"by_stage"`
	ByMonth          []GroupBreakdown `json:"by_month"`
}

// GroupBreakdown partitions the period totals by one group key (a stage
// label or a YYYY-MM month). Share is the group's percentage of the period's
// simple total.
type GroupBreakdown struct {
	Key       string  `json:"key"`
	Simple    float64 `json:"simple"`
	Weighted  float64 `json:"weighted"`
	DealCount int     `json:"deal_count"`
	Share     float64 `json:"share"`
}

// Compute aggregates already-synced deals against a target amount. It does
// no I/O. Deals sitting in a terminal lost stage are excluded from every
// sum. targetAmount 0 means no target is set; the ratio fields guard the
// division and report 0.
func Compute(deals []models.Deal, targetAmount float64) Summary {
	s := Summary{Target: targetAmount}

	stages := make(map[string]*GroupBreakdown)
	months := make(map[string]*GroupBreakdown)

	for _, d := range deals {
		if lostStage(d.Stage) {
			continue
		}
		weighted := d.AmountUSD * d.Probability / 100

		s.Simple += d.AmountUSD
		s.Weighted += weighted
		s.DealCount++

		accumulate(stages, d.Stage, d.AmountUSD, weighted)
		if d.CloseDate != nil {
			accumulate(months, d.CloseDate.UTC().Format("2006-01"), d.AmountUSD, weighted)
		}
	}

	s.Gap = s.Weighted - targetAmount
	if targetAmount > 0 {
		s.AchievementRate = s.Weighted / targetAmount * 100
		s.PipelineCoverage = s.Simple / targetAmount * 100
	}
	s.ByStage = flatten(stages, s.Simple)
	s.ByMonth = flatten(months, s.Simple)
	return s
}

func accumulate(groups map[string]*GroupBreakdown, key string, simple, weighted float64) {
	g, ok := groups[key]
	if !ok {
		g = &GroupBreakdown{Key: key}
		groups[key] = g
	}
	g.Simple += simple
	g.Weighted += weighted
	g.DealCount++
}

func flatten(groups map[string]*GroupBreakdown, total float64) []GroupBreakdown {
	out := make([]GroupBreakdown, 0, len(groups))
	for _, g := range groups {
		if total > 0 {
			g.Share = g.Simple / total * 100
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// lostStage matches the terminal lost stage under both the HubSpot internal
// name ("closedlost") and resolved display labels ("Closed Lost").
func lostStage(stage string) bool {
	return strings.Contains(strings.ToLower(stage), "lost")
}
