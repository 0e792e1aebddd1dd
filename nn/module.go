package nn

import (
	"fmt"
	"strings"

	"featkd/tensor"
)

// Module defines a single layer/unit in the network.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward computes gradients and propagates them.
	// It takes the gradient of the loss with respect to the module's output,
	// and returns the gradient of the loss with respect to the module's input.
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	// Update applies one SGD step with the gradients accumulated by Backward.
	Update(learningRate float64) error
	Tag() string
}

// Param is a learnable tensor together with its gradient buffer.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Parameterized is implemented by modules that own learnable tensors.
type Parameterized interface {
	Params() []*Param
}

// Trainable is implemented by modules whose forward pass differs between
// training and inference (batch normalization).
type Trainable interface {
	SetTraining(training bool)
}

// Sequential chains multiple Modules in order.
type Sequential struct {
	Layers []Module
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := x
	for i, layer := range s.Layers {
		out, err = layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s) forward: %w", i, layer.Tag(), err)
		}
	}
	return out, nil
}

// Backward applies Backward in reverse order.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := grad
	for i := len(s.Layers) - 1; i >= 0; i-- {
		out, err = s.Layers[i].Backward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s) backward: %w", i, s.Layers[i].Tag(), err)
		}
	}
	return out, nil
}

// Update steps every layer.
func (s *Sequential) Update(learningRate float64) error {
	for _, layer := range s.Layers {
		if err := layer.Update(learningRate); err != nil {
			return err
		}
	}
	return nil
}

// Params collects the learnable parameters of all layers, in layer order.
func (s *Sequential) Params() []*Param {
	var ps []*Param
	for _, layer := range s.Layers {
		if p, ok := layer.(Parameterized); ok {
			ps = append(ps, p.Params()...)
		}
	}
	return ps
}

// SetTraining propagates the train/eval mode to layers that care.
func (s *Sequential) SetTraining(training bool) {
	for _, layer := range s.Layers {
		if t, ok := layer.(Trainable); ok {
			t.SetTraining(training)
		}
	}
}

func (s *Sequential) Tag() string {
	tags := make([]string, len(s.Layers))
	for i, l := range s.Layers {
		tags[i] = l.Tag()
	}
	return "Sequential[" + strings.Join(tags, ",") + "]"
}

// NumParams counts scalar parameters in the given modules.
func NumParams(mods ...Module) int {
	n := 0
	for _, m := range mods {
		if p, ok := m.(Parameterized); ok {
			for _, param := range p.Params() {
				n += len(param.Value.Data)
			}
		}
	}
	return n
}
