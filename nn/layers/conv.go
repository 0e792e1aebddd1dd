package layers

import (
	"fmt"

	"featkd/nn"
	"featkd/tensor"

	"gonum.org/v1/gonum/mat"
)

// Conv2D is a stride-1 2D convolution with "same" padding: the output keeps
// the input's height and width. Kernels must have odd extents.
type Conv2D struct {
	inChan, outChan int // number of input/output channels
	kh, kw          int // kernel height and width
	padH, padW      int
	useBias         bool

	W *tensor.Tensor // weights: [outChan, inChan, kh, kw]
	B *tensor.Tensor // bias: [outChan], nil when the layer has no bias

	gradW *tensor.Tensor
	gradB *tensor.Tensor

	// Cached for backward pass
	lastShape []int
	lastCols  []*mat.Dense // one im2col matrix per batch item
}

// NewConv2D creates a new Conv2D layer with zero weights.
func NewConv2D(inChan, outChan, kh, kw int, useBias bool) (*Conv2D, error) {
	if inChan <= 0 || outChan <= 0 {
		return nil, fmt.Errorf("channel counts must be positive, got in=%d out=%d", inChan, outChan)
	}
	if kh <= 0 || kw <= 0 || kh%2 == 0 || kw%2 == 0 {
		return nil, fmt.Errorf("kernel size must be positive and odd, got %dx%d", kh, kw)
	}
	c := &Conv2D{
		inChan:  inChan,
		outChan: outChan,
		kh:      kh,
		kw:      kw,
		padH:    kh / 2,
		padW:    kw / 2,
		useBias: useBias,
		W:       tensor.New(outChan, inChan, kh, kw),
		gradW:   tensor.New(outChan, inChan, kh, kw),
	}
	if useBias {
		c.B = tensor.New(outChan)
		c.gradB = tensor.New(outChan)
	}
	return c, nil
}

// im2col unrolls one [inChan, h, w] image into a [inChan*kh*kw, h*w] matrix.
func (c *Conv2D) im2col(img []float64, h, w int) *mat.Dense {
	rows := c.inChan * c.kh * c.kw
	cols := mat.NewDense(rows, h*w, nil)
	for ic := 0; ic < c.inChan; ic++ {
		for dy := 0; dy < c.kh; dy++ {
			for dx := 0; dx < c.kw; dx++ {
				r := ic*c.kh*c.kw + dy*c.kw + dx
				row := cols.RawRowView(r)
				for y := 0; y < h; y++ {
					iy := y + dy - c.padH
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + dx - c.padW
						if ix < 0 || ix >= w {
							continue
						}
						row[y*w+x] = img[ic*h*w+iy*w+ix]
					}
				}
			}
		}
	}
	return cols
}

// col2im scatters a [inChan*kh*kw, h*w] gradient back onto an image, accumulating.
func (c *Conv2D) col2im(cols *mat.Dense, img []float64, h, w int) {
	for ic := 0; ic < c.inChan; ic++ {
		for dy := 0; dy < c.kh; dy++ {
			for dx := 0; dx < c.kw; dx++ {
				row := cols.RawRowView(ic*c.kh*c.kw + dy*c.kw + dx)
				for y := 0; y < h; y++ {
					iy := y + dy - c.padH
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + dx - c.padW
						if ix < 0 || ix >= w {
							continue
						}
						img[ic*h*w+iy*w+ix] += row[y*w+x]
					}
				}
			}
		}
	}
}

// Forward maps [batch, inChan, H, W] to [batch, outChan, H, W].
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, channels, height, width, err := input.Dims4()
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if channels != c.inChan {
		return nil, fmt.Errorf("expected %d input channels, got %d", c.inChan, channels)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid dimensions: inH=%d, inW=%d", height, width)
	}

	output := tensor.New(batchSize, c.outChan, height, width)
	plane := height * width
	k := c.inChan * c.kh * c.kw
	weights := mat.NewDense(c.outChan, k, c.W.Data)

	c.lastShape = append([]int(nil), input.Shape...)
	c.lastCols = make([]*mat.Dense, batchSize)

	for b := 0; b < batchSize; b++ {
		cols := c.im2col(input.Data[b*c.inChan*plane:(b+1)*c.inChan*plane], height, width)
		c.lastCols[b] = cols

		dst := mat.NewDense(c.outChan, plane, output.Data[b*c.outChan*plane:(b+1)*c.outChan*plane])
		dst.Mul(weights, cols)

		if c.useBias {
			for oc := 0; oc < c.outChan; oc++ {
				row := dst.RawRowView(oc)
				for i := range row {
					row[i] += c.B.Data[oc]
				}
			}
		}
	}
	return output, nil
}

// Backward accumulates weight/bias gradients and returns the input gradient.
func (c *Conv2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastCols == nil {
		return nil, fmt.Errorf("no cached input for backward pass")
	}
	batchSize, outChan, height, width, err := gradOut.Dims4()
	if err != nil {
		return nil, fmt.Errorf("gradOut: %w", err)
	}
	if batchSize != len(c.lastCols) || outChan != c.outChan {
		return nil, fmt.Errorf("gradOut shape %v does not match last forward", gradOut.Shape)
	}

	plane := height * width
	k := c.inChan * c.kh * c.kw
	weights := mat.NewDense(c.outChan, k, c.W.Data)
	gradW := mat.NewDense(c.outChan, k, c.gradW.Data)

	inputGrad := tensor.New(c.lastShape...)
	var wStep mat.Dense
	var dCols mat.Dense
	for b := 0; b < batchSize; b++ {
		g := mat.NewDense(c.outChan, plane, gradOut.Data[b*c.outChan*plane:(b+1)*c.outChan*plane])

		// dW += g · colsᵀ
		wStep.Reset()
		wStep.Mul(g, c.lastCols[b].T())
		gradW.Add(gradW, &wStep)

		if c.useBias {
			for oc := 0; oc < c.outChan; oc++ {
				for _, v := range g.RawRowView(oc) {
					c.gradB.Data[oc] += v
				}
			}
		}

		// dX = col2im(Wᵀ · g)
		dCols.Reset()
		dCols.Mul(weights.T(), g)
		c.col2im(&dCols, inputGrad.Data[b*c.inChan*plane:(b+1)*c.inChan*plane], height, width)
	}
	return inputGrad, nil
}

// Update updates parameters using the accumulated gradients and clears them.
func (c *Conv2D) Update(lr float64) error {
	for i := range c.W.Data {
		c.W.Data[i] -= lr * c.gradW.Data[i]
		c.gradW.Data[i] = 0
	}
	if c.useBias {
		for i := range c.B.Data {
			c.B.Data[i] -= lr * c.gradB.Data[i]
			c.gradB.Data[i] = 0
		}
	}
	return nil
}

// Params exposes weights (and bias when present) with their gradients.
func (c *Conv2D) Params() []*nn.Param {
	ps := []*nn.Param{{Name: "weight", Value: c.W, Grad: c.gradW}}
	if c.useBias {
		ps = append(ps, &nn.Param{Name: "bias", Value: c.B, Grad: c.gradB})
	}
	return ps
}

func (c *Conv2D) Tag() string {
	return fmt.Sprintf("Conv2D_%d_%d_%d_%d", c.inChan, c.outChan, c.kh, c.kw)
}
