package scoring

// CostAccuracy compares an importance ranking against observed costs pair by
// pair. Every pair of items with distinct costs is one comparison; it is a
// hit when the item with the higher cost also has the strictly higher
// score. Pairs with equal costs carry no ordering and are skipped.
func CostAccuracy(scores, costs []float64) (hits, compares int) {
	if len(scores) != len(costs) {
		return 0, 0
	}
	for i := 0; i < len(scores); i++ {
		for j := i + 1; j < len(scores); j++ {
			if costs[i] == costs[j] {
				continue
			}
			compares++
			if (costs[i] > costs[j]) == (scores[i] > scores[j]) && scores[i] != scores[j] {
				hits++
			}
		}
	}
	return hits, compares
}

// HitRate pools hit counts. It returns 0 when nothing was compared.
func HitRate(hits, compares int) float64 {
	if compares == 0 {
		return 0
	}
	return float64(hits) / float64(compares)
}
