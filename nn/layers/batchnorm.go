package layers

import (
	"fmt"
	"math"

	"featkd/nn"
	"featkd/tensor"

	"gonum.org/v1/gonum/floats"
)

const (
	defaultBNEpsilon  = 1e-5
	defaultBNMomentum = 0.1
)

// BatchNorm2D normalizes each channel of a [batch, C, H, W] tensor over the
// batch and spatial axes, then applies a learned per-channel affine transform
// y = Gamma·x̂ + Beta. In training mode batch statistics are used and the
// running estimates are updated; in eval mode the running estimates are used.
type BatchNorm2D struct {
	channels int
	Epsilon  float64
	Momentum float64
	training bool

	Gamma *tensor.Tensor // scale: [C], initialized to 1
	Beta  *tensor.Tensor // shift: [C], initialized to 0

	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor

	gradGamma *tensor.Tensor
	gradBeta  *tensor.Tensor

	// Cached for backward pass
	lastXHat   *tensor.Tensor
	lastInvStd []float64
	lastTrain  bool
}

// NewBatchNorm2D creates a batch normalization layer in training mode.
func NewBatchNorm2D(channels int) (*BatchNorm2D, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	return &BatchNorm2D{
		channels:    channels,
		Epsilon:     defaultBNEpsilon,
		Momentum:    defaultBNMomentum,
		training:    true,
		Gamma:       tensor.Full(1, channels),
		Beta:        tensor.New(channels),
		RunningMean: tensor.New(channels),
		RunningVar:  tensor.Full(1, channels),
		gradGamma:   tensor.New(channels),
		gradBeta:    tensor.New(channels),
	}, nil
}

// Channels returns the number of normalized channels.
func (bn *BatchNorm2D) Channels() int { return bn.channels }

// SetTraining switches between batch statistics and running statistics.
func (bn *BatchNorm2D) SetTraining(training bool) { bn.training = training }

func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if c != bn.channels {
		return nil, fmt.Errorf("expected %d channels, got %d", bn.channels, c)
	}
	plane := h * w
	count := float64(n * plane)

	out := tensor.New(input.Shape...)
	xhat := tensor.New(input.Shape...)
	invStd := make([]float64, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.training {
			if count == 0 {
				return nil, fmt.Errorf("cannot compute batch statistics of an empty batch")
			}
			var sum, sumSq float64
			for b := 0; b < n; b++ {
				p := input.Data[(b*c+ch)*plane : (b*c+ch+1)*plane]
				sum += floats.Sum(p)
				sumSq += floats.Dot(p, p)
			}
			mean = sum / count
			variance = math.Max(sumSq/count-mean*mean, 0)

			unbiased := variance
			if count > 1 {
				unbiased = variance * count / (count - 1)
			}
			bn.RunningMean.Data[ch] = (1-bn.Momentum)*bn.RunningMean.Data[ch] + bn.Momentum*mean
			bn.RunningVar.Data[ch] = (1-bn.Momentum)*bn.RunningVar.Data[ch] + bn.Momentum*unbiased
		} else {
			mean = bn.RunningMean.Data[ch]
			variance = bn.RunningVar.Data[ch]
		}

		inv := 1 / math.Sqrt(variance+bn.Epsilon)
		invStd[ch] = inv
		g, s := bn.Gamma.Data[ch], bn.Beta.Data[ch]
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				xh := (input.Data[i] - mean) * inv
				xhat.Data[i] = xh
				out.Data[i] = g*xh + s
			}
		}
	}

	bn.lastXHat = xhat
	bn.lastInvStd = invStd
	bn.lastTrain = bn.training
	return out, nil
}

func (bn *BatchNorm2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.lastXHat == nil {
		return nil, fmt.Errorf("no cached input for backward pass")
	}
	if !tensor.SameShape(gradOut, bn.lastXHat) {
		return nil, fmt.Errorf("gradOut shape %v does not match last forward %v", gradOut.Shape, bn.lastXHat.Shape)
	}
	n, c, h, w, _ := gradOut.Dims4()
	plane := h * w
	count := float64(n * plane)
	gradIn := tensor.New(gradOut.Shape...)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXh float64
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			dy := gradOut.Data[base : base+plane]
			sumDy += floats.Sum(dy)
			sumDyXh += floats.Dot(dy, bn.lastXHat.Data[base:base+plane])
		}
		bn.gradBeta.Data[ch] += sumDy
		bn.gradGamma.Data[ch] += sumDyXh

		k := bn.Gamma.Data[ch] * bn.lastInvStd[ch]
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				if bn.lastTrain {
					// batch statistics depend on the input as well
					gradIn.Data[i] = k * (gradOut.Data[i] - sumDy/count - bn.lastXHat.Data[i]*sumDyXh/count)
				} else {
					gradIn.Data[i] = k * gradOut.Data[i]
				}
			}
		}
	}
	return gradIn, nil
}

// Update steps Gamma and Beta and clears their gradients.
func (bn *BatchNorm2D) Update(lr float64) error {
	for i := 0; i < bn.channels; i++ {
		bn.Gamma.Data[i] -= lr * bn.gradGamma.Data[i]
		bn.Beta.Data[i] -= lr * bn.gradBeta.Data[i]
		bn.gradGamma.Data[i] = 0
		bn.gradBeta.Data[i] = 0
	}
	return nil
}

func (bn *BatchNorm2D) Params() []*nn.Param {
	return []*nn.Param{
		{Name: "gamma", Value: bn.Gamma, Grad: bn.gradGamma},
		{Name: "beta", Value: bn.Beta, Grad: bn.gradBeta},
	}
}

func (bn *BatchNorm2D) Tag() string {
	return fmt.Sprintf("BatchNorm2D_%d", bn.channels)
}
