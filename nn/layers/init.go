package layers

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// NormalInit fills data with draws from N(0, sigma²) using inverse-CDF
// sampling driven by rng, so a seeded rng gives reproducible weights.
func NormalInit(data []float64, sigma float64, rng *rand.Rand) {
	dist := distuv.Normal{Mu: 0, Sigma: sigma}
	for i := range data {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		data[i] = dist.Quantile(u)
	}
}

// FanOutInit initializes a conv weight [out, in, kh, kw] with variance
// 2 / (kh·kw·out).
func FanOutInit(c *Conv2D, rng *rand.Rand) {
	n := c.kh * c.kw * c.outChan
	NormalInit(c.W.Data, math.Sqrt(2/float64(n)), rng)
}

// FanInInit initializes a linear weight [out, in] with variance 2 / in.
func FanInInit(l *Linear, rng *rand.Rand) {
	NormalInit(l.W.Data, math.Sqrt(2/float64(l.W.Shape[1])), rng)
}
