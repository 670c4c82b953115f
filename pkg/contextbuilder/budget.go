package contextbuilder

import (
	"math"
	"strings"
)

// Estimator approximates token counts for budget trimming.
type Estimator interface {
	Estimate(text string) int
}

// WordEstimator is the default heuristic: whitespace-delimited words
// times 1.3.
type WordEstimator struct{}

func (WordEstimator) Estimate(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

// trimToBudget drops items until the rendered layout fits the token
// budget, returning the final estimate. Sections are newest-first (or
// best-first for vector sources), so the drop candidate is always a
// section tail; among tails the oldest goes first.
func trimToBudget(secs []*section, budget int, est Estimator, includeMeta bool) int {
	for {
		tokens := est.Estimate(renderSections(secs, includeMeta))
		if tokens <= budget {
			return tokens
		}
		if !dropOldestTail(secs) {
			return tokens
		}
	}
}

func dropOldestTail(secs []*section) bool {
	victim := -1
	for i, sec := range secs {
		n := len(sec.items)
		if n == 0 {
			continue
		}
		if victim == -1 {
			victim = i
			continue
		}
		vtail := secs[victim].items[len(secs[victim].items)-1]
		if sec.items[n-1].UpdatedAt.Before(vtail.UpdatedAt) {
			victim = i
		}
	}
	if victim == -1 {
		return false
	}
	sec := secs[victim]
	sec.items = sec.items[:len(sec.items)-1]
	return true
}
