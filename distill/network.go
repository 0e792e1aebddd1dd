package distill

import "featkd/tensor"

// NormStats is a snapshot of one normalization layer's learned per-channel
// affine parameters.
type NormStats struct {
	Scale []float64
	Shift []float64
}

// Channels returns the number of channels described.
func (n NormStats) Channels() int { return len(n.Scale) }

// Network is the capability a teacher or student must provide.
//
// Every method reports supervised stages in the same order, shallow to deep:
// index 0 is the stage closest to the input. The stage-loss weighting relies
// on this ordering.
type Network interface {
	// ChannelCounts returns the channel count of each supervised stage.
	ChannelCounts() []int

	// PreActivationNorms returns, per stage, the statistics of the
	// normalization layer that feeds the stage's non-linearity. Only the
	// teacher's are consulted.
	PreActivationNorms() []NormStats

	// ExtractFeatures runs the network on x and returns one [batch, C, H, W]
	// feature map per stage plus the final output. With preActivation set,
	// the maps are captured before the stage's non-linearity.
	ExtractFeatures(x *tensor.Tensor, preActivation bool) ([]*tensor.Tensor, *tensor.Tensor, error)
}
