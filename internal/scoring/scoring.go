// Package scoring turns findings into a bounded risk score.
package scoring

import (
	"sort"

	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

const maxScore = 100

// Points deducted per finding.
var Points = map[types.Severity]int{
	types.SeverityCritical: 25,
	types.SeverityHigh:     15,
	types.SeverityMedium:   7,
	types.SeverityLow:      3,
	types.SeverityInfo:     1,
}

// Score deducts per-finding points from 100 and clamps the result to [0,100].
// The level is derived from the clamped score; higher scores are healthier.
func Score(findings []models.Finding) models.Risk {
	breakdown := make(map[types.Severity]int, len(types.Severities))
	for _, sev := range types.Severities {
		breakdown[sev] = 0
	}

	deducted := 0
	for _, f := range findings {
		sev := types.NormalizeSeverity(string(f.Severity))
		breakdown[sev]++
		deducted += Points[sev]
	}

	score := maxScore - deducted
	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}

	return models.Risk{
		Score:     score,
		Level:     Level(score),
		Breakdown: breakdown,
		Deducted:  deducted,
	}
}

// Level maps a score onto a risk band.
func Level(score int) types.RiskLevel {
	switch {
	case score >= 90:
		return types.RiskLevelLow
	case score >= 75:
		return types.RiskLevelMedium
	case score >= 55:
		return types.RiskLevelHigh
	default:
		return types.RiskLevelCritical
	}
}

// Sort returns a copy of findings ordered by severity (most severe first),
// then id, then title. Severities are normalized in the copy.
func Sort(findings []models.Finding) []models.Finding {
	out := make([]models.Finding, len(findings))
	copy(out, findings)
	for i := range out {
		out[i].Severity = types.NormalizeSeverity(string(out[i].Severity))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra < rb
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Title < b.Title
	})
	return out
}
