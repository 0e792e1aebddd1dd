package distill

import (
	"fmt"
	"math/rand"

	"featkd/nn"
	"featkd/nn/layers"
	"featkd/tensor"
)

// ConnectorConfig holds the connector hyperparameters shared by every stage.
type ConnectorConfig struct {
	// Depth is the number of chained projections; a ReLU precedes every
	// projection after the first.
	Depth int
	// UseNormalization appends a BatchNorm2D after each projection.
	UseNormalization bool
	// UseBias gives each projection an additive bias.
	UseBias bool
	// KernelSize is the (odd) spatial footprint of each projection.
	KernelSize int
}

// DefaultConnectorConfig returns a single 1×1 projection with normalization
// and no bias.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Depth:            1,
		UseNormalization: true,
		UseBias:          false,
		KernelSize:       1,
	}
}

// Validate checks depth and kernel size.
func (c ConnectorConfig) Validate() error {
	if c.Depth < 1 {
		return invalidf("connector depth must be at least 1, got %d", c.Depth)
	}
	if c.KernelSize < 1 || c.KernelSize%2 == 0 {
		return invalidf("connector kernel size must be a positive odd integer, got %d", c.KernelSize)
	}
	return nil
}

// StagePair is the channel pairing of one supervised stage.
type StagePair struct {
	Student int
	Teacher int
}

func (p StagePair) validate() error {
	if p.Student <= 0 || p.Teacher <= 0 {
		return invalidf("channel counts must be positive, got student=%d teacher=%d", p.Student, p.Teacher)
	}
	return nil
}

// Connector projects a [B, Student, H, W] feature map to [B, Teacher, H, W].
type Connector struct {
	nn.Sequential
	Pair StagePair
}

// BuildConnector creates the projection stack for one stage pair. Projection
// weights are drawn from N(0, 2/(k·k·Teacher)); normalization layers start at
// scale 1, shift 0; biases start at 0.
func BuildConnector(pair StagePair, cfg ConnectorConfig, rng *rand.Rand) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := pair.validate(); err != nil {
		return nil, err
	}

	c := &Connector{Pair: pair}
	in := pair.Student
	for d := 0; d < cfg.Depth; d++ {
		if d > 0 {
			c.Layers = append(c.Layers, layers.NewReLU())
		}
		conv, err := layers.NewConv2D(in, pair.Teacher, cfg.KernelSize, cfg.KernelSize, cfg.UseBias)
		if err != nil {
			return nil, invalidf("projection %d: %v", d, err)
		}
		layers.FanOutInit(conv, rng)
		c.Layers = append(c.Layers, conv)

		if cfg.UseNormalization {
			bn, err := layers.NewBatchNorm2D(pair.Teacher)
			if err != nil {
				return nil, invalidf("normalization %d: %v", d, err)
			}
			c.Layers = append(c.Layers, bn)
		}
		in = pair.Teacher
	}
	return c, nil
}

// Forward checks the channel axis before running the stack.
func (c *Connector) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.Pair.Student {
		return nil, mismatchf("connector expects [B, %d, H, W], got %v", c.Pair.Student, x.Shape)
	}
	return c.Sequential.Forward(x)
}

func (c *Connector) Tag() string {
	return fmt.Sprintf("Connector_%d_%d(%s)", c.Pair.Student, c.Pair.Teacher, c.Sequential.Tag())
}
