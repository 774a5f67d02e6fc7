package scoring

import (
	"testing"

	"github.com/TFMV/planlens/pkg/models"
	"github.com/stretchr/testify/assert"
)

func scores(pairs ...float64) []models.NodeScore {
	out := make([]models.NodeScore, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.NodeScore{NodeID: int(pairs[i]), Score: pairs[i+1]})
	}
	return out
}

func TestFilterCumulative(t *testing.T) {
	tests := []struct {
		name      string
		in        []models.NodeScore
		threshold float64
		want      []int
	}{
		{"stops once threshold reached", scores(1, .3, 2, .5, 3, .15, 4, .05), 0.9, []int{2, 1, 3}},
		{"ties keep input order", scores(4, .1, 1, .3, 2, .5, 3, .1), 0.9, []int{2, 1, 4}},
		{"higher threshold takes the tie", scores(4, .1, 1, .3, 2, .5, 3, .1), 0.95, []int{2, 1, 4, 3}},
		{"sum before item below threshold", scores(4, .08, 1, .3, 5, .03, 2, .5, 3, .09), 0.9, []int{2, 1, 3, 4}},
		{"empty", nil, 0.9, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterCumulative(tt.in, tt.threshold))
		})
	}
}

func TestFilterCumulative_DoesNotReorderInput(t *testing.T) {
	in := scores(1, .3, 2, .5)
	FilterCumulative(in, 0.9)
	assert.Equal(t, 1, in[0].NodeID)
}

func TestComplement(t *testing.T) {
	in := scores(1, .3, 2, .5, 3, .15, 4, .05)
	assert.Equal(t, []int{4}, Complement(in, []int{2, 1, 3}))
	assert.Nil(t, Complement(in, []int{1, 2, 3, 4}))
}
