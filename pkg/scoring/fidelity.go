// Package scoring holds the pure metric functions used to score explanations.
package scoring

import "math"

// Default thresholds for Fidelity.
const (
	DefaultRelThreshold = 1.0
	DefaultAbsThreshold = 6.0
)

// FidelityOptions bounds the denominator of the relative change.
type FidelityOptions struct {
	RelThreshold float64
	AbsThreshold float64
}

// DefaultFidelityOptions returns the default thresholds.
func DefaultFidelityOptions() FidelityOptions {
	return FidelityOptions{RelThreshold: DefaultRelThreshold, AbsThreshold: DefaultAbsThreshold}
}

// RelativeChange returns |masked-orig| / min(|orig|, absThreshold).
func RelativeChange(orig, masked, absThreshold float64) float64 {
	return math.Abs(masked-orig) / math.Min(math.Abs(orig), absThreshold)
}

// Fidelity scores how much a prediction moved after masking. The change is
// relative to min(|orig|*rel, abs) and capped at 1. When shouldEqual is set
// the score is inverted, so an unchanged prediction scores 1.
func Fidelity(orig, masked float64, shouldEqual bool, opts FidelityOptions) float64 {
	denom := math.Min(math.Abs(orig)*opts.RelThreshold, opts.AbsThreshold)

	var change float64
	switch {
	case denom == 0 && masked == orig:
		change = 0
	case denom == 0:
		change = 1
	default:
		change = math.Min(1, math.Abs(masked-orig)/denom)
	}

	if shouldEqual {
		return 1 - change
	}
	return change
}

// HarmonicMean returns 2ab/(a+b), or 0 when a+b is 0.
func HarmonicMean(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}
