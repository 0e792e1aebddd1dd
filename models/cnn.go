package models

import (
	"fmt"
	"math/rand"

	"featkd/distill"
	"featkd/nn"
	"featkd/nn/layers"
	"featkd/tensor"

	"github.com/pkg/errors"
)

// stage is conv3x3 → BatchNorm → ReLU, optionally followed by a 2×2 average
// pool. The feature map handed to the distillation engine is taken either at
// the BatchNorm output (pre-activation) or at the ReLU output.
type stage struct {
	conv *layers.Conv2D
	bn   *layers.BatchNorm2D
	relu *layers.Activation
	pool *layers.AvgPool2D // nil on the last stage
}

// CNN is a small stage-structured convolutional classifier. It implements
// distill.Network with one supervised stage per convolution.
type CNN struct {
	Name       string
	InChannels int
	NumClasses int

	stages []*stage
	gap    *layers.GlobalAvgPool2D
	head   *layers.Linear

	lastPreActivation bool
	forwarded         bool
}

var _ distill.Network = (*CNN)(nil)

// NewCNN builds a CNN with len(channels) stages. Stage i outputs channels[i]
// maps; every stage but the last halves the spatial size, so inputs must be
// divisible by 2^(len(channels)-1).
func NewCNN(name string, inChannels int, channels []int, numClasses int, rng *rand.Rand) (*CNN, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	if inChannels <= 0 || numClasses <= 0 {
		return nil, errors.Errorf("input channels and classes must be positive, got %d and %d", inChannels, numClasses)
	}

	net := &CNN{Name: name, InChannels: inChannels, NumClasses: numClasses}
	in := inChannels
	for i, c := range channels {
		conv, err := layers.NewConv2D(in, c, 3, 3, false)
		if err != nil {
			return nil, errors.Wrapf(err, "%s stage %d", name, i)
		}
		layers.FanOutInit(conv, rng)
		bn, err := layers.NewBatchNorm2D(c)
		if err != nil {
			return nil, errors.Wrapf(err, "%s stage %d", name, i)
		}
		st := &stage{conv: conv, bn: bn, relu: layers.NewReLU()}
		if i < len(channels)-1 {
			if st.pool, err = layers.NewAvgPool2D(2); err != nil {
				return nil, err
			}
		}
		net.stages = append(net.stages, st)
		in = c
	}

	net.gap = layers.NewGlobalAvgPool2D()
	head, err := layers.NewLinear(in, numClasses)
	if err != nil {
		return nil, errors.Wrapf(err, "%s head", name)
	}
	layers.FanInInit(head, rng)
	net.head = head
	return net, nil
}

// NewTeacher builds the reference teacher for 3-channel inputs.
func NewTeacher(channels []int, numClasses int, seed int64) (*CNN, error) {
	return NewCNN("teacher", 3, channels, numClasses, rand.New(rand.NewSource(seed)))
}

// NewStudent builds the reference student for 3-channel inputs.
func NewStudent(channels []int, numClasses int, seed int64) (*CNN, error) {
	return NewCNN("student", 3, channels, numClasses, rand.New(rand.NewSource(seed)))
}

func (n *CNN) ChannelCounts() []int {
	out := make([]int, len(n.stages))
	for i, st := range n.stages {
		out[i] = st.bn.Channels()
	}
	return out
}

// PreActivationNorms copies the affine parameters of every stage's BatchNorm.
func (n *CNN) PreActivationNorms() []distill.NormStats {
	out := make([]distill.NormStats, len(n.stages))
	for i, st := range n.stages {
		out[i] = distill.NormStats{
			Scale: append([]float64(nil), st.bn.Gamma.Data...),
			Shift: append([]float64(nil), st.bn.Beta.Data...),
		}
	}
	return out
}

// ExtractFeatures runs the network and returns one map per stage plus the
// logits [batch, NumClasses].
func (n *CNN) ExtractFeatures(x *tensor.Tensor, preActivation bool) ([]*tensor.Tensor, *tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != n.InChannels {
		return nil, nil, errors.Errorf("%s expects [B, %d, H, W], got %v", n.Name, n.InChannels, x.Shape)
	}
	feats := make([]*tensor.Tensor, len(n.stages))
	out := x
	var err error
	for i, st := range n.stages {
		if out, err = st.conv.Forward(out); err != nil {
			return nil, nil, errors.Wrapf(err, "%s stage %d conv", n.Name, i)
		}
		if out, err = st.bn.Forward(out); err != nil {
			return nil, nil, errors.Wrapf(err, "%s stage %d norm", n.Name, i)
		}
		if preActivation {
			feats[i] = out
		}
		if out, err = st.relu.Forward(out); err != nil {
			return nil, nil, errors.Wrapf(err, "%s stage %d relu", n.Name, i)
		}
		if !preActivation {
			feats[i] = out
		}
		if st.pool != nil {
			if out, err = st.pool.Forward(out); err != nil {
				return nil, nil, errors.Wrapf(err, "%s stage %d pool", n.Name, i)
			}
		}
	}
	if out, err = n.gap.Forward(out); err != nil {
		return nil, nil, errors.Wrapf(err, "%s pooling", n.Name)
	}
	if out, err = n.head.Forward(out); err != nil {
		return nil, nil, errors.Wrapf(err, "%s head", n.Name)
	}
	n.lastPreActivation = preActivation
	n.forwarded = true
	return feats, out, nil
}

// Forward returns the logits only.
func (n *CNN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	_, out, err := n.ExtractFeatures(x, true)
	return out, err
}

// Backward propagates gradLogits from the head down to the input. featGrads,
// when non-nil, holds an extra gradient per stage that is added at the point
// where the last ExtractFeatures captured that stage's map; nil entries are
// skipped.
func (n *CNN) Backward(gradLogits *tensor.Tensor, featGrads []*tensor.Tensor) (*tensor.Tensor, error) {
	if !n.forwarded {
		return nil, errors.Errorf("%s: Backward called before Forward", n.Name)
	}
	if featGrads != nil && len(featGrads) != len(n.stages) {
		return nil, errors.Errorf("%s: got %d feature gradients for %d stages", n.Name, len(featGrads), len(n.stages))
	}
	addFeat := func(i int, g *tensor.Tensor) (*tensor.Tensor, error) {
		if featGrads == nil || featGrads[i] == nil {
			return g, nil
		}
		return tensor.Add(g, featGrads[i])
	}

	g, err := n.head.Backward(gradLogits)
	if err != nil {
		return nil, errors.Wrapf(err, "%s head", n.Name)
	}
	if g, err = n.gap.Backward(g); err != nil {
		return nil, errors.Wrapf(err, "%s pooling", n.Name)
	}
	for i := len(n.stages) - 1; i >= 0; i-- {
		st := n.stages[i]
		if st.pool != nil {
			if g, err = st.pool.Backward(g); err != nil {
				return nil, errors.Wrapf(err, "%s stage %d pool", n.Name, i)
			}
		}
		if !n.lastPreActivation {
			if g, err = addFeat(i, g); err != nil {
				return nil, errors.Wrapf(err, "%s stage %d feature gradient", n.Name, i)
			}
		}
		if g, err = st.relu.Backward(g); err != nil {
			return nil, errors.Wrapf(err, "%s stage %d relu", n.Name, i)
		}
		if n.lastPreActivation {
			if g, err = addFeat(i, g); err != nil {
				return nil, errors.Wrapf(err, "%s stage %d feature gradient", n.Name, i)
			}
		}
		if g, err = st.bn.Backward(g); err != nil {
			return nil, errors.Wrapf(err, "%s stage %d norm", n.Name, i)
		}
		if g, err = st.conv.Backward(g); err != nil {
			return nil, errors.Wrapf(err, "%s stage %d conv", n.Name, i)
		}
	}
	return g, nil
}

// Modules lists every layer in forward order.
func (n *CNN) Modules() []nn.Module {
	var mods []nn.Module
	for _, st := range n.stages {
		mods = append(mods, st.conv, st.bn, st.relu)
		if st.pool != nil {
			mods = append(mods, st.pool)
		}
	}
	return append(mods, n.gap, n.head)
}

// Update applies one SGD step to every layer.
func (n *CNN) Update(learningRate float64) error {
	for _, m := range n.Modules() {
		if err := m.Update(learningRate); err != nil {
			return errors.Wrapf(err, "%s %s update", n.Name, m.Tag())
		}
	}
	return nil
}

// SetTraining switches every BatchNorm between batch and running statistics.
func (n *CNN) SetTraining(training bool) {
	for _, st := range n.stages {
		st.bn.SetTraining(training)
	}
}

func (n *CNN) Tag() string {
	return fmt.Sprintf("CNN_%s%v", n.Name, n.ChannelCounts())
}

// ParamCount returns the number of learnable scalars in net.
func ParamCount(net *CNN) int {
	return nn.NumParams(net.Modules()...)
}
