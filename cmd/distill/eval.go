package main

import (
	"math/rand"

	"featkd/models"
	"featkd/nn"
	"featkd/tensor"

	"github.com/pkg/errors"
)

// heldOut is a fixed evaluation split drawn once before training.
type heldOut struct {
	batches []*tensor.Tensor
	labels  [][]int
}

func newHeldOut(data *syntheticData, seed int64, size, batchSize int) *heldOut {
	rng := rand.New(rand.NewSource(seed))
	h := &heldOut{}
	for left := size; left > 0; left -= batchSize {
		n := batchSize
		if left < n {
			n = left
		}
		x, labels := data.batch(rng, n)
		h.batches = append(h.batches, x)
		h.labels = append(h.labels, labels)
	}
	return h
}

func (h *heldOut) size() int {
	n := 0
	for _, l := range h.labels {
		n += len(l)
	}
	return n
}

type evalResult struct {
	Loss     float64
	Accuracy float64
}

// evaluate runs net over the held-out split with running normalization
// statistics and returns the mean cross-entropy and accuracy. net is left in
// training mode.
func evaluate(net *models.CNN, split *heldOut) (evalResult, error) {
	net.SetTraining(false)
	defer net.SetTraining(true)

	total := split.size()
	if total == 0 {
		return evalResult{}, errors.New("empty evaluation split")
	}
	ce := &nn.CrossEntropyLoss{}
	var loss float64
	correct := 0
	for i, x := range split.batches {
		labels := split.labels[i]
		logits, err := net.Forward(x)
		if err != nil {
			return evalResult{}, errors.Wrapf(err, "%s eval batch %d", net.Name, i)
		}
		l, _, err := ce.Forward(logits, labels)
		if err != nil {
			return evalResult{}, errors.Wrapf(err, "%s eval batch %d", net.Name, i)
		}
		loss += l * float64(len(labels))
		for b, p := range nn.Argmax(logits) {
			if p == labels[b] {
				correct++
			}
		}
	}
	return evalResult{
		Loss:     loss / float64(total),
		Accuracy: float64(correct) / float64(total),
	}, nil
}
