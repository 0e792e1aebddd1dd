package distill

import (
	"math"

	"featkd/tensor"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// MarginCDFThreshold is the smallest Φ(-m/s) for which the truncated
	// Gaussian expectation is evaluated directly.
	MarginCDFThreshold = 0.001

	// FallbackMarginWidth is the number of standard deviations used as the
	// margin when Φ(-m/s) is at or below MarginCDFThreshold.
	FallbackMarginWidth = 3.0
)

// ChannelMargin returns E[x | x < 0] for a pre-activation x ~ N(shift, scale²),
// i.e. shift - s·φ(z)/Φ(z) with s = |scale| and z = -shift/s.
//
// When Φ(z) ≤ MarginCDFThreshold the ratio is not trusted and -3s is
// returned instead. A zero scale describes a constant channel; its margin is
// min(shift, 0), the limit of the expression as s → 0.
func ChannelMargin(scale, shift float64) float64 {
	s := math.Abs(scale)
	m := shift
	if s == 0 {
		return math.Min(m, 0)
	}
	z := -m / s
	cdf := distuv.UnitNormal.CDF(z)
	if cdf > MarginCDFThreshold {
		return -s*distuv.UnitNormal.Prob(z)/cdf + m
	}
	return -FallbackMarginWidth * s
}

// Margins computes one margin per channel of a normalization layer.
func Margins(stats NormStats) ([]float64, error) {
	if len(stats.Scale) != len(stats.Shift) {
		return nil, mismatchf("normalization scale has %d channels, shift has %d", len(stats.Scale), len(stats.Shift))
	}
	margins := make([]float64, len(stats.Scale))
	for c := range stats.Scale {
		s, m := stats.Scale[c], stats.Shift[c]
		if math.IsNaN(s) || math.IsInf(s, 0) || math.IsNaN(m) || math.IsInf(m, 0) {
			return nil, invalidf("channel %d has non-finite normalization statistics (scale=%v, shift=%v)", c, s, m)
		}
		margins[c] = ChannelMargin(s, m)
	}
	return margins, nil
}

// MarginTensor shapes a margin vector as [1, C, 1, 1] so it broadcasts over
// the batch and spatial axes of a feature map.
func MarginTensor(margins []float64) *tensor.Tensor {
	t := tensor.New(1, len(margins), 1, 1)
	copy(t.Data, margins)
	return t
}
