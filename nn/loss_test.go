package nn

import (
	"math"
	"testing"

	"featkd/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	s := Softmax(tensor.NewWithData([]float64{1, 2, 3, 1000}))
	assert.InDelta(t, 1.0, tensor.Sum(s), 1e-12)
	assert.InDelta(t, 1.0, s.Data[3], 1e-12)
}

func TestCrossEntropyForwardBackward(t *testing.T) {
	logits, err := tensor.FromData([]float64{0, 0, 0, 2, 0, 0}, 2, 3)
	require.NoError(t, err)
	labels := []int{1, 0}

	var ce CrossEntropyLoss
	loss, probs, err := ce.Forward(logits, labels)
	require.NoError(t, err)

	e2 := math.Exp(2)
	want := (math.Log(3) - math.Log(e2/(e2+2))) / 2
	assert.InDelta(t, want, loss, 1e-12)

	grad := ce.Backward(probs, labels)
	assert.Equal(t, []int{2, 3}, grad.Shape)
	// each row of the gradient sums to zero
	assert.InDelta(t, 0, grad.Data[0]+grad.Data[1]+grad.Data[2], 1e-12)
	assert.InDelta(t, (1.0/3-1)/2, grad.Data[1], 1e-12)

	_, _, err = ce.Forward(logits, []int{0})
	assert.Error(t, err)
	_, _, err = ce.Forward(logits, []int{0, 5})
	assert.Error(t, err)
}

func TestArgmax(t *testing.T) {
	logits, _ := tensor.FromData([]float64{0, 3, 1, 5, 0, 1}, 2, 3)
	assert.Equal(t, []int{1, 0}, Argmax(logits))
}
