package scoring

import (
	"sort"

	"github.com/TFMV/planlens/pkg/models"
)

// DefaultCumulativeThreshold is the share of total importance kept by
// FilterCumulative.
const DefaultCumulativeThreshold = 0.9

// FilterCumulative returns the node ids that make up the most important share
// of an explanation. Scores are ordered by descending value (ties keep their
// input order) and taken while the running sum before each item is below
// threshold. Scores are not normalized first.
func FilterCumulative(scores []models.NodeScore, threshold float64) []int {
	sorted := make([]models.NodeScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var (
		ids []int
		sum float64
	)
	for _, s := range sorted {
		if sum >= threshold {
			break
		}
		ids = append(ids, s.NodeID)
		sum += s.Score
	}
	return ids
}

// Complement returns the node ids in scores that are not in selected, in
// input order.
func Complement(scores []models.NodeScore, selected []int) []int {
	skip := make(map[int]struct{}, len(selected))
	for _, id := range selected {
		skip[id] = struct{}{}
	}
	var rest []int
	for _, s := range scores {
		if _, ok := skip[s.NodeID]; !ok {
			rest = append(rest, s.NodeID)
		}
	}
	return rest
}
