package services

import (
	"sort"
	"strings"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
)

// AllJoins is the JoinCount of a group key that does not group by joins.
const AllJoins = -1

// GroupBy selects the dimensions scores are grouped on.
type GroupBy uint8

const (
	GroupByModel GroupBy = 1 << iota
	GroupByExplainer
	GroupByJoinCount

	// DefaultGroupBy groups on every dimension.
	DefaultGroupBy = GroupByModel | GroupByExplainer | GroupByJoinCount
)

var groupByNames = []struct {
	flag GroupBy
	name string
}{
	{GroupByModel, "model"},
	{GroupByExplainer, "explainer"},
	{GroupByJoinCount, "join_count"},
}

// ParseGroupBy parses names such as ["explainer", "join_count"]. No names
// means DefaultGroupBy.
func ParseGroupBy(names []string) (GroupBy, error) {
	if len(names) == 0 {
		return DefaultGroupBy, nil
	}
	var g GroupBy
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for _, n := range groupByNames {
			if n.name == name {
				g |= n.flag
				found = true
			}
		}
		if !found {
			return 0, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "unknown group-by dimension %q", raw)
		}
	}
	return g, nil
}

// String lists the selected dimensions joined by commas.
func (g GroupBy) String() string {
	var parts []string
	for _, n := range groupByNames {
		if g&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// GroupKey identifies a reporting group. Dimensions not grouped on hold their
// zero value, or AllJoins for JoinCount.
type GroupKey struct {
	Model     string                  `json:"model"`
	Explainer models.ExplainerVariant `json:"explainer"`
	JoinCount int                     `json:"join_count"`
}

func keyFor(o models.ScoreObservation, g GroupBy) GroupKey {
	k := GroupKey{JoinCount: AllJoins}
	if g&GroupByModel != 0 {
		k.Model = o.Model
	}
	if g&GroupByExplainer != 0 {
		k.Explainer = o.Explainer
	}
	if g&GroupByJoinCount != 0 {
		k.JoinCount = o.JoinCount()
	}
	return k
}

// Aggregate returns the arithmetic mean score of each group. Groups without
// observations do not appear.
func Aggregate(observations []models.ScoreObservation, groupBy GroupBy) map[GroupKey]float64 {
	out := make(map[GroupKey]float64)
	for _, p := range Summarize(observations, groupBy) {
		out[p.GroupKey] = p.Mean
	}
	return out
}

// SeriesPoint is the mean of one group.
type SeriesPoint struct {
	GroupKey
	Mean  float64 `json:"mean"`
	Count int64   `json:"count"`
}

// Summarize aggregates observations into points sorted by model, explainer
// and join count.
func Summarize(observations []models.ScoreObservation, groupBy GroupBy) []SeriesPoint {
	type acc struct {
		sum float64
		n   int64
	}
	groups := make(map[GroupKey]*acc)
	for _, o := range observations {
		k := keyFor(o, groupBy)
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.sum += o.Score
		a.n++
	}

	points := make([]SeriesPoint, 0, len(groups))
	for k, a := range groups {
		points = append(points, SeriesPoint{GroupKey: k, Mean: a.sum / float64(a.n), Count: a.n})
	}
	sort.Slice(points, func(i, j int) bool {
		a, b := points[i].GroupKey, points[j].GroupKey
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Explainer != b.Explainer {
			return a.Explainer < b.Explainer
		}
		return a.JoinCount < b.JoinCount
	})
	return points
}
