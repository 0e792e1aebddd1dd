package distill

import (
	"fmt"

	"featkd/nn"
	"featkd/nn/layers"
	"featkd/utils"

	"github.com/pkg/errors"
)

// ConnectorConfigFrom extracts the connector hyperparameters of a run config.
func ConnectorConfigFrom(cfg *utils.DistillConfig) ConnectorConfig {
	return ConnectorConfig{
		Depth:            cfg.ConnectorDepth,
		UseNormalization: cfg.ConnectorBN,
		UseBias:          cfg.ConnectorBias,
		KernelSize:       cfg.ConnectorKernelSize,
	}
}

func layerKey(stage, layer int) string {
	return fmt.Sprintf("connector%d.%d", stage, layer)
}

// ConnectorWeights snapshots every connector's learnable tensors and
// normalization running statistics.
func (e *Engine) ConnectorWeights() *utils.ModelWeights {
	w := utils.NewModelWeights()
	for s, c := range e.connectors {
		for l, layer := range c.Layers {
			p, ok := layer.(nn.Parameterized)
			if !ok {
				continue
			}
			lw := utils.ParamsToLayerWeight(p.Params())
			if bn, ok := layer.(*layers.BatchNorm2D); ok {
				lw.RunningMean = utils.TensorToWeightData("running_mean", bn.RunningMean)
				lw.RunningVar = utils.TensorToWeightData("running_var", bn.RunningVar)
			}
			w.Layers[layerKey(s, l)] = lw
		}
	}
	return w
}

// LoadConnectorWeights restores a snapshot produced by ConnectorWeights into
// connectors of identical structure. Margins are not part of the snapshot.
func (e *Engine) LoadConnectorWeights(w *utils.ModelWeights) error {
	for s, c := range e.connectors {
		for l, layer := range c.Layers {
			p, ok := layer.(nn.Parameterized)
			if !ok {
				continue
			}
			key := layerKey(s, l)
			lw, ok := w.Layers[key]
			if !ok {
				return mismatchf("checkpoint has no entry for %s", key)
			}
			if err := utils.AssignLayerWeight(lw, p.Params()); err != nil {
				return errors.Wrapf(ErrConfigurationMismatch, "%s: %v", key, err)
			}
			if bn, ok := layer.(*layers.BatchNorm2D); ok && lw.RunningMean != nil && lw.RunningVar != nil {
				if err := utils.CopyInto(bn.RunningMean, lw.RunningMean); err != nil {
					return errors.Wrapf(ErrConfigurationMismatch, "%s running mean: %v", key, err)
				}
				if err := utils.CopyInto(bn.RunningVar, lw.RunningVar); err != nil {
					return errors.Wrapf(ErrConfigurationMismatch, "%s running var: %v", key, err)
				}
			}
		}
	}
	return nil
}
