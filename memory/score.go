package memory

import (
	"math"
	"time"
)

// Score weights: recency 0.3, tag overlap 0.4, CI affinity 0.2, normalized
// priority 0.1.
const (
	weightRecency  = 0.3
	weightTags     = 0.4
	weightAffinity = 0.2
	weightPriority = 0.1
)

// Relevance scores an item for a CI and the current context tags, clamped to
// [0,1]. halfLifeHours drives recency decay (168 h = one week).
func Relevance(it *Item, ciName string, contextTags []string, now time.Time, halfLifeHours float64) float64 {
	if halfLifeHours <= 0 {
		halfLifeHours = 168
	}
	ageHours := now.Sub(it.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Exp(-ageHours / halfLifeHours)

	overlap := 0
	tagSet := make(map[string]bool, len(contextTags))
	for _, t := range contextTags {
		tagSet[t] = true
	}
	for _, t := range it.Tags {
		if tagSet[t] {
			overlap++
		}
	}
	denom := len(it.Tags)
	if denom < 1 {
		denom = 1
	}
	tagOverlap := float64(overlap) / float64(denom)

	affinity := 0.0
	if it.CISource == ciName {
		affinity = 1.0
	}

	priorityNorm := float64(it.Priority) / 10

	score := weightRecency*recency + weightTags*tagOverlap +
		weightAffinity*affinity + weightPriority*priorityNorm
	return math.Min(1, math.Max(0, score))
}
