package layers

import (
	"fmt"

	"featkd/nn"
	"featkd/tensor"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer mapping [batch, inDim] to [batch, outDim].
type Linear struct {
	W, B *tensor.Tensor // W: [outDim, inDim], B: [outDim]

	gradW, gradB *tensor.Tensor
	lastInput    *tensor.Tensor
}

// NewLinear(inDim→outDim) sets up zeroed W and B.
func NewLinear(inDim, outDim int) (*Linear, error) {
	if inDim <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got in=%d out=%d", inDim, outDim)
	}
	return &Linear{
		W:     tensor.New(outDim, inDim),
		B:     tensor.New(outDim),
		gradW: tensor.New(outDim, inDim),
		gradB: tensor.New(outDim),
	}, nil
}

// Forward computes y = x·Wᵀ + B.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outDim, inDim := l.W.Shape[0], l.W.Shape[1]
	if len(x.Shape) != 2 || x.Shape[1] != inDim {
		return nil, fmt.Errorf("expected input [batch, %d], got %v", inDim, x.Shape)
	}
	batch := x.Shape[0]
	l.lastInput = x.Clone()
	out := tensor.New(batch, outDim)
	if batch == 0 {
		return out, nil
	}
	dst := mat.NewDense(batch, outDim, out.Data)
	dst.Mul(mat.NewDense(batch, inDim, x.Data), mat.NewDense(outDim, inDim, l.W.Data).T())
	for b := 0; b < batch; b++ {
		row := dst.RawRowView(b)
		for j := range row {
			row[j] += l.B.Data[j]
		}
	}
	return out, nil
}

// Backward accumulates dW = gᵀ·x, dB = Σ g and returns dX = g·W.
func (l *Linear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("no cached input for backward pass")
	}
	outDim, inDim := l.W.Shape[0], l.W.Shape[1]
	batch := l.lastInput.Shape[0]
	if len(gradOut.Shape) != 2 || gradOut.Shape[0] != batch || gradOut.Shape[1] != outDim {
		return nil, fmt.Errorf("expected gradOut [%d, %d], got %v", batch, outDim, gradOut.Shape)
	}
	if batch == 0 {
		return tensor.New(batch, inDim), nil
	}
	g := mat.NewDense(batch, outDim, gradOut.Data)
	x := mat.NewDense(batch, inDim, l.lastInput.Data)

	var dW mat.Dense
	dW.Mul(g.T(), x)
	gw := mat.NewDense(outDim, inDim, l.gradW.Data)
	gw.Add(gw, &dW)

	for b := 0; b < batch; b++ {
		for j, v := range g.RawRowView(b) {
			l.gradB.Data[j] += v
		}
	}

	return tensor.MatMul(gradOut, l.W)
}

// Update applies the accumulated gradients and clears them.
func (l *Linear) Update(learningRate float64) error {
	for i := range l.W.Data {
		l.W.Data[i] -= learningRate * l.gradW.Data[i]
		l.gradW.Data[i] = 0
	}
	for i := range l.B.Data {
		l.B.Data[i] -= learningRate * l.gradB.Data[i]
		l.gradB.Data[i] = 0
	}
	return nil
}

func (l *Linear) Params() []*nn.Param {
	return []*nn.Param{
		{Name: "weight", Value: l.W, Grad: l.gradW},
		{Name: "bias", Value: l.B, Grad: l.gradB},
	}
}

func (l *Linear) Tag() string {
	return fmt.Sprintf("Linear_%d_%d", l.W.Shape[1], l.W.Shape[0])
}
