package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"featkd/nn"
	"featkd/tensor"
)

// WeightsVersion is written into every checkpoint.
const WeightsVersion = "featkd-connectors/1"

// WeightData represents serializable weight data for a layer
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// ModelWeights represents all weights in a model, keyed by layer path.
type ModelWeights struct {
	Version string                 `json:"version"`
	Layers  map[string]LayerWeight `json:"layers"`
}

// LayerWeight contains the learnable tensors of one layer. Normalization
// layers store their scale in Weight and shift in Bias, plus running statistics.
type LayerWeight struct {
	Weight      *WeightData `json:"weight,omitempty"`
	Bias        *WeightData `json:"bias,omitempty"`
	RunningMean *WeightData `json:"running_mean,omitempty"`
	RunningVar  *WeightData `json:"running_var,omitempty"`
}

// NewModelWeights returns an empty checkpoint.
func NewModelWeights() *ModelWeights {
	return &ModelWeights{Version: WeightsVersion, Layers: map[string]LayerWeight{}}
}

// SaveWeights saves model weights to a JSON file
func SaveWeights(filepath string, weights *ModelWeights) error {
	data, err := json.MarshalIndent(weights, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadWeights loads model weights from a JSON file
func LoadWeights(filepath string) (*ModelWeights, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var weights ModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if weights.Version != WeightsVersion {
		return nil, fmt.Errorf("unsupported weights version %q", weights.Version)
	}
	return &weights, nil
}

// TensorToWeightData converts a tensor to serializable weight data
func TensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64{}, t.Data...), // copy
	}
}

// WeightDataToTensor converts weight data back to a tensor
func WeightDataToTensor(wd *WeightData) *tensor.Tensor {
	t := tensor.New(wd.Shape...)
	copy(t.Data, wd.Data)
	return t
}

// ParamsToLayerWeight snapshots a layer's parameters. "weight"/"gamma" go to
// Weight, "bias"/"beta" to Bias.
func ParamsToLayerWeight(params []*nn.Param) LayerWeight {
	var lw LayerWeight
	for _, p := range params {
		switch p.Name {
		case "weight", "gamma":
			lw.Weight = TensorToWeightData(p.Name, p.Value)
		case "bias", "beta":
			lw.Bias = TensorToWeightData(p.Name, p.Value)
		}
	}
	return lw
}

// AssignLayerWeight copies a snapshot back into a layer's parameters,
// checking shapes.
func AssignLayerWeight(lw LayerWeight, params []*nn.Param) error {
	for _, p := range params {
		var wd *WeightData
		switch p.Name {
		case "weight", "gamma":
			wd = lw.Weight
		case "bias", "beta":
			wd = lw.Bias
		}
		if wd == nil {
			return fmt.Errorf("missing %s", p.Name)
		}
		if err := CopyInto(p.Value, wd); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

// CopyInto overwrites dst with wd after checking the shape.
func CopyInto(dst *tensor.Tensor, wd *WeightData) error {
	src := WeightDataToTensor(wd)
	if !tensor.SameShape(dst, src) || len(wd.Data) != len(dst.Data) {
		return fmt.Errorf("shape mismatch: have %v, checkpoint has %v", dst.Shape, wd.Shape)
	}
	copy(dst.Data, wd.Data)
	return nil
}
