package layers

import (
	"fmt"

	"featkd/tensor"
)

// AvgPool2D averages non-overlapping p×p windows of a [B,C,H,W] tensor.
type AvgPool2D struct {
	poolSize  int
	lastShape []int
}

func NewAvgPool2D(p int) (*AvgPool2D, error) {
	if p <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", p)
	}
	return &AvgPool2D{poolSize: p}, nil
}

func (a *AvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	B, C, H, W, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	p := a.poolSize
	if H%p != 0 || W%p != 0 {
		return nil, fmt.Errorf("spatial size %dx%d not divisible by pool size %d", H, W, p)
	}
	outH, outW := H/p, W/p
	out := tensor.New(B, C, outH, outW)
	scale := 1 / float64(p*p)
	for bc := 0; bc < B*C; bc++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				sum := 0.0
				for ph := 0; ph < p; ph++ {
					for pw := 0; pw < p; pw++ {
						sum += x.Data[(bc*H+oh*p+ph)*W+ow*p+pw]
					}
				}
				out.Data[(bc*outH+oh)*outW+ow] = sum * scale
			}
		}
	}
	a.lastShape = append([]int(nil), x.Shape...)
	return out, nil
}

// Backward spreads each output gradient evenly over its window.
func (a *AvgPool2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.lastShape == nil {
		return nil, fmt.Errorf("no cached input for backward pass")
	}
	B, C, H, W := a.lastShape[0], a.lastShape[1], a.lastShape[2], a.lastShape[3]
	p := a.poolSize
	outH, outW := H/p, W/p
	if len(gradOut.Data) != B*C*outH*outW {
		return nil, fmt.Errorf("gradOut shape %v does not match last forward", gradOut.Shape)
	}
	gradIn := tensor.New(a.lastShape...)
	scale := 1 / float64(p*p)
	for bc := 0; bc < B*C; bc++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				g := gradOut.Data[(bc*outH+oh)*outW+ow] * scale
				for ph := 0; ph < p; ph++ {
					for pw := 0; pw < p; pw++ {
						gradIn.Data[(bc*H+oh*p+ph)*W+ow*p+pw] = g
					}
				}
			}
		}
	}
	return gradIn, nil
}

func (a *AvgPool2D) Update(float64) error { return nil }

func (a *AvgPool2D) Tag() string {
	return fmt.Sprintf("AvgPool2D_%d", a.poolSize)
}

// GlobalAvgPool2D reduces [B,C,H,W] to [B,C] by averaging each channel plane.
type GlobalAvgPool2D struct {
	lastShape []int
}

func NewGlobalAvgPool2D() *GlobalAvgPool2D { return &GlobalAvgPool2D{} }

func (g *GlobalAvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	B, C, H, W, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	plane := H * W
	out := tensor.New(B, C)
	for bc := 0; bc < B*C; bc++ {
		out.Data[bc] = tensor.Sum(&tensor.Tensor{Data: x.Data[bc*plane : (bc+1)*plane], Shape: []int{plane}}) / float64(plane)
	}
	g.lastShape = append([]int(nil), x.Shape...)
	return out, nil
}

func (g *GlobalAvgPool2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if g.lastShape == nil {
		return nil, fmt.Errorf("no cached input for backward pass")
	}
	B, C, H, W := g.lastShape[0], g.lastShape[1], g.lastShape[2], g.lastShape[3]
	if len(gradOut.Data) != B*C {
		return nil, fmt.Errorf("gradOut shape %v does not match last forward", gradOut.Shape)
	}
	plane := H * W
	gradIn := tensor.New(g.lastShape...)
	for bc := 0; bc < B*C; bc++ {
		v := gradOut.Data[bc] / float64(plane)
		for i := bc * plane; i < (bc+1)*plane; i++ {
			gradIn.Data[i] = v
		}
	}
	return gradIn, nil
}

func (g *GlobalAvgPool2D) Update(float64) error { return nil }

func (g *GlobalAvgPool2D) Tag() string { return "GlobalAvgPool2D" }
