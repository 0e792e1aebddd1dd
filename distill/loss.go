package distill

import (
	"math"

	"featkd/tensor"
)

// MarginReLULoss is the summed margin-ReLU distance between a connected
// student map s and a teacher map t of shape [B, C, H, W], with margin shaped
// [1, C, 1, 1]:
//
//	target = max(t, margin_c)
//	loss   = Σ (s - target)²  over elements where s > target or target > 0
//
// Elements whose target sits at or below zero only contribute once the
// student overshoots them.
func MarginReLULoss(s, t, margin *tensor.Tensor) (float64, error) {
	return marginReLU(s, t, margin, nil)
}

// MarginReLUGrad returns d(MarginReLULoss)/ds.
func MarginReLUGrad(s, t, margin *tensor.Tensor) (*tensor.Tensor, error) {
	grad := tensor.New(s.Shape...)
	if _, err := marginReLU(s, t, margin, grad); err != nil {
		return nil, err
	}
	return grad, nil
}

func marginReLU(s, t, margin, grad *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(s, t) {
		return 0, mismatchf("connected student map %v does not match teacher map %v", s.Shape, t.Shape)
	}
	n, c, h, w, err := s.Dims4()
	if err != nil {
		return 0, mismatchf("feature map: %v", err)
	}
	if len(margin.Data) != c {
		return 0, mismatchf("margin has %d channels, feature map has %d", len(margin.Data), c)
	}

	plane := h * w
	loss := 0.0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			mc := margin.Data[ch]
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				target := math.Max(t.Data[i], mc)
				sv := s.Data[i]
				if sv > target || target > 0 {
					diff := sv - target
					loss += diff * diff
					if grad != nil {
						grad.Data[i] = 2 * diff
					}
				}
			}
		}
	}
	return loss, nil
}

// StageWeight is the loss weight of stage i out of n: 1/2^(n-i-1). The
// deepest stage gets 1 and each shallower one half of its successor.
func StageWeight(i, n int) float64 {
	return math.Ldexp(1, -(n - i - 1))
}

// AggregateStageLosses sums per-stage losses with StageWeight applied.
func AggregateStageLosses(losses []float64) float64 {
	total := 0.0
	for i, l := range losses {
		total += StageWeight(i, len(losses)) * l
	}
	return total
}
