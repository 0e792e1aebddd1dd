package main

import (
	"math/rand"

	"featkd/tensor"
)

// syntheticData draws noisy copies of one random prototype image per class.
type syntheticData struct {
	protos   [][]float64
	channels int
	size     int
	noise    float64
}

func newSyntheticData(rng *rand.Rand, channels, size, classes int, noise float64) *syntheticData {
	d := &syntheticData{channels: channels, size: size, noise: noise}
	for k := 0; k < classes; k++ {
		p := make([]float64, channels*size*size)
		for i := range p {
			p[i] = rng.NormFloat64()
		}
		d.protos = append(d.protos, p)
	}
	return d
}

func (d *syntheticData) batch(rng *rand.Rand, n int) (*tensor.Tensor, []int) {
	x := tensor.New(n, d.channels, d.size, d.size)
	labels := make([]int, n)
	plane := d.channels * d.size * d.size
	for b := 0; b < n; b++ {
		k := rng.Intn(len(d.protos))
		labels[b] = k
		for i, v := range d.protos[k] {
			x.Data[b*plane+i] = v + d.noise*rng.NormFloat64()
		}
	}
	return x, labels
}
