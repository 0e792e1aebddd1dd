package layers

import (
	"fmt"

	"featkd/tensor"
)

// ActivationFunc holds an element-wise non-linearity and its derivative.
type ActivationFunc struct {
	Name  string
	F     func(x float64) float64
	Deriv func(x float64) float64
}

// relu is the non-linearity used between stages and between connector
// projections.
var relu = ActivationFunc{
	Name: "ReLU",
	F: func(x float64) float64 {
		if x > 0 {
			return x
		}
		return 0
	},
	Deriv: func(x float64) float64 {
		if x > 0 {
			return 1
		}
		return 0
	},
}

// Activation is a layer that applies an element-wise function.
type Activation struct {
	fn        ActivationFunc
	lastInput *tensor.Tensor
}

// NewReLU creates a ReLU layer.
func NewReLU() *Activation {
	return &Activation{fn: relu}
}

func (a *Activation) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	a.lastInput = x.Clone()
	y := tensor.New(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = a.fn.F(v)
	}
	return y, nil
}

// Backward multiplies the incoming gradient by the derivative at the cached input.
func (a *Activation) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.lastInput == nil {
		return nil, fmt.Errorf("no cached input for backward pass")
	}
	if len(gradOut.Data) != len(a.lastInput.Data) {
		return nil, fmt.Errorf("gradient length %d does not match input length %d", len(gradOut.Data), len(a.lastInput.Data))
	}
	grad := tensor.New(gradOut.Shape...)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * a.fn.Deriv(a.lastInput.Data[i])
	}
	return grad, nil
}

func (a *Activation) Update(float64) error { return nil }

func (a *Activation) Tag() string {
	return a.fn.Name
}
