package layers

import (
	"math/rand"
	"testing"

	"featkd/nn"
	"featkd/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

// lossOf is a fixed random linear functional of the module output, so
// d(loss)/d(out) = upstream.
func lossOf(t *testing.T, m nn.Module, x, upstream *tensor.Tensor) float64 {
	out, err := m.Forward(x)
	require.NoError(t, err)
	s := 0.0
	for i := range out.Data {
		s += out.Data[i] * upstream.Data[i]
	}
	return s
}

// checkGradients compares Backward against central finite differences on the
// input and on every parameter.
func checkGradients(t *testing.T, m nn.Module, x *tensor.Tensor, outShape []int) {
	rng := rand.New(rand.NewSource(7))
	upstream := randomTensor(rng, outShape...)
	const h = 1e-5

	_ = lossOf(t, m, x, upstream)
	gradIn, err := m.Backward(upstream)
	require.NoError(t, err)
	require.Equal(t, x.Shape, gradIn.Shape)

	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + h
		up := lossOf(t, m, x, upstream)
		x.Data[i] = orig - h
		down := lossOf(t, m, x, upstream)
		x.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*h), gradIn.Data[i], 1e-5, "input grad %d", i)
	}

	p, ok := m.(nn.Parameterized)
	if !ok {
		return
	}
	for _, param := range p.Params() {
		analytic := param.Grad.Clone()
		for i := range param.Value.Data {
			orig := param.Value.Data[i]
			param.Value.Data[i] = orig + h
			up := lossOf(t, m, x, upstream)
			param.Value.Data[i] = orig - h
			down := lossOf(t, m, x, upstream)
			param.Value.Data[i] = orig
			assert.InDelta(t, (up-down)/(2*h), analytic.Data[i], 1e-5, "%s grad %d", param.Name, i)
		}
	}
}

func TestConv2D_Identity1x1(t *testing.T) {
	conv, err := NewConv2D(1, 1, 1, 1, false)
	require.NoError(t, err)
	conv.W.Set(1.0, 0, 0, 0, 0)

	// 1 channel, 3x3 image
	input := tensor.New(1, 1, 3, 3)
	for i := 0; i < 9; i++ {
		input.Data[i] = float64(i + 1)
	}

	output, err := conv.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, output.Shape)
	for i := 0; i < 9; i++ {
		assert.Equal(t, input.Data[i], output.Data[i], "Identity conv should preserve input")
	}
}

func TestConv2D_SamePadding3x3(t *testing.T) {
	conv, err := NewConv2D(1, 1, 3, 3, true)
	require.NoError(t, err)
	for i := range conv.W.Data {
		conv.W.Data[i] = 1
	}
	conv.B.Data[0] = 0.5

	input := tensor.Full(1, 1, 1, 3, 3)
	output, err := conv.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, output.Shape)

	// corner sees 4 pixels, edge 6, centre 9
	want := []float64{4, 6, 4, 6, 9, 6, 4, 6, 4}
	for i := range want {
		assert.Equal(t, want[i]+0.5, output.Data[i])
	}
}

func TestConv2D_ChannelProjectionShape(t *testing.T) {
	conv, err := NewConv2D(8, 16, 3, 3, false)
	require.NoError(t, err)
	out, err := conv.Forward(tensor.New(2, 8, 5, 7))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 5, 7}, out.Shape)

	_, err = conv.Forward(tensor.New(2, 4, 5, 7))
	assert.Error(t, err)
	_, err = conv.Forward(tensor.New(8, 5, 7))
	assert.Error(t, err)
}

func TestConv2D_InvalidConstruction(t *testing.T) {
	for _, tc := range []struct{ in, out, kh, kw int }{
		{0, 1, 1, 1}, {1, -1, 1, 1}, {1, 1, 2, 2}, {1, 1, 0, 1}, {1, 1, 3, 4},
	} {
		_, err := NewConv2D(tc.in, tc.out, tc.kh, tc.kw, false)
		assert.Error(t, err, "%+v", tc)
	}
}

func TestConv2D_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv, err := NewConv2D(2, 3, 3, 3, true)
	require.NoError(t, err)
	for i := range conv.W.Data {
		conv.W.Data[i] = rng.NormFloat64()
	}
	for i := range conv.B.Data {
		conv.B.Data[i] = rng.NormFloat64()
	}
	checkGradients(t, conv, randomTensor(rng, 2, 2, 4, 3), []int{2, 3, 4, 3})
}

func TestConv2D_Update(t *testing.T) {
	conv, err := NewConv2D(1, 1, 1, 1, true)
	require.NoError(t, err)
	conv.W.Set(0.5, 0, 0, 0, 0)

	input := tensor.Full(2, 1, 1, 2, 2)
	_, err = conv.Forward(input)
	require.NoError(t, err)
	_, err = conv.Backward(tensor.Full(1, 1, 1, 2, 2))
	require.NoError(t, err)
	require.NoError(t, conv.Update(0.1))

	// dW = Σ x·g = 8, dB = 4
	assert.InDelta(t, 0.5-0.8, conv.W.At(0, 0, 0, 0), 1e-12)
	assert.InDelta(t, -0.4, conv.B.At(0), 1e-12)
	assert.Len(t, conv.Params(), 2)
}

func TestConv2D_BackwardWithoutForward(t *testing.T) {
	conv, err := NewConv2D(1, 1, 1, 1, false)
	require.NoError(t, err)
	_, err = conv.Backward(tensor.New(1, 1, 1, 1))
	assert.Error(t, err)
}
