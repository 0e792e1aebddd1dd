package nn

import (
	"fmt"
	"math"

	"featkd/tensor"
)

type CrossEntropyLoss struct{}

// Forward returns the mean cross-entropy of logits [batch, classes] against
// integer labels, and the softmax probabilities used by Backward.
func (c *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, fmt.Errorf("logits must be 2-D, got %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, nil, fmt.Errorf("got %d labels for batch of %d", len(labels), batch)
	}
	probs := tensor.New(batch, classes)
	loss := 0.0
	for b := 0; b < batch; b++ {
		row := Softmax(tensor.NewWithData(logits.Data[b*classes : (b+1)*classes]))
		copy(probs.Data[b*classes:], row.Data)
		if labels[b] < 0 || labels[b] >= classes {
			return 0, nil, fmt.Errorf("label %d out of range [0,%d)", labels[b], classes)
		}
		loss -= math.Log(math.Max(row.Data[labels[b]], 1e-12))
	}
	return loss / float64(batch), probs, nil
}

// Backward computes the gradient of the mean cross-entropy loss with softmax.
// grad = (softmax_output - one_hot_label) / batch
func (c *CrossEntropyLoss) Backward(probs *tensor.Tensor, labels []int) *tensor.Tensor {
	batch, classes := probs.Shape[0], probs.Shape[1]
	grad := probs.Clone()
	for b := 0; b < batch; b++ {
		grad.Data[b*classes+labels[b]] -= 1
	}
	return grad.Scale(1 / float64(batch))
}

// Softmax applies the softmax function to a tensor.
func Softmax(logits *tensor.Tensor) *tensor.Tensor {
	maxLogit := logits.Data[0]
	for _, v := range logits.Data {
		if v > maxLogit {
			maxLogit = v
		}
	}
	expSum := 0.0
	exps := make([]float64, len(logits.Data))
	for i, v := range logits.Data {
		e := math.Exp(v - maxLogit)
		exps[i] = e
		expSum += e
	}
	softmax := tensor.New(len(logits.Data))
	for i, e := range exps {
		softmax.Data[i] = e / expSum
	}
	return softmax
}

// Argmax returns the predicted class per row of a [batch, classes] tensor.
func Argmax(logits *tensor.Tensor) []int {
	batch, classes := logits.Shape[0], logits.Shape[1]
	out := make([]int, batch)
	for b := 0; b < batch; b++ {
		best := 0
		for k := 1; k < classes; k++ {
			if logits.Data[b*classes+k] > logits.Data[b*classes+best] {
				best = k
			}
		}
		out[b] = best
	}
	return out
}
