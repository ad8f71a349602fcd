package orchestrator

import "sort"

// Ranked is one scored activation candidate.
type Ranked struct {
	ID     int64
	Score  float64
	Status string
}

// SelectTop returns the ids of the top max candidates by score, ties
// broken by lower id for a stable ordering.
func SelectTop(ranked []Ranked, max int) []int64 {
	sorted := make([]Ranked, len(ranked))
	copy(sorted, ranked)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > max {
		sorted = sorted[:max]
	}
	out := make([]int64, len(sorted))
	for i, r := range sorted {
		out[i] = r.ID
	}
	return out
}

// Diff computes the activation delta: target members not currently
// active, and active members not in the target.
func Diff(current, target []int64) (activate, deactivate []int64) {
	currentSet := make(map[int64]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}
	targetSet := make(map[int64]bool, len(target))
	for _, id := range target {
		targetSet[id] = true
	}

	for _, id := range target {
		if !currentSet[id] {
			activate = append(activate, id)
		}
	}
	for _, id := range current {
		if !targetSet[id] {
			deactivate = append(deactivate, id)
		}
	}
	return activate, deactivate
}

// scoreMoved reports whether a score change clears the stability
// override: more than 15% relative movement.
func scoreMoved(oldScore, newScore float64) bool {
	if oldScore == 0 {
		return newScore != 0
	}
	delta := (newScore - oldScore) / oldScore
	if delta < 0 {
		delta = -delta
	}
	return delta > 0.15
}
