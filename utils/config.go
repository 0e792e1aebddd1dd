package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// DistillConfig holds distillation run configuration
type DistillConfig struct {
	TeacherChannels []int
	StudentChannels []int

	ConnectorDepth      int
	ConnectorBN         bool
	ConnectorBias       bool
	ConnectorKernelSize int

	// Alpha weights the per-sample distillation loss against the task loss.
	Alpha        float64
	LearningRate float64
	BatchSize    int
	Steps        int
	Seed         int64
}

// DefaultDistillConfig mirrors the reference CIFAR-100 setup.
func DefaultDistillConfig() *DistillConfig {
	return &DistillConfig{
		TeacherChannels:     []int{16, 32},
		StudentChannels:     []int{8, 16},
		ConnectorDepth:      1,
		ConnectorBN:         true,
		ConnectorBias:       false,
		ConnectorKernelSize: 1,
		Alpha:               0.001,
		LearningRate:        0.1,
		BatchSize:           128,
		Steps:               200,
		Seed:                42,
	}
}

// ParseChannels parses a channel list such as "16 32 64" or "16,32,64".
func ParseChannels(s string) ([]int, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	channels := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		channels[i] = n
	}
	return channels, nil
}

// ValidateConfig validates distillation configuration
func ValidateConfig(config *DistillConfig) error {
	if len(config.TeacherChannels) == 0 {
		return fmt.Errorf("at least one supervised stage is required")
	}
	if len(config.TeacherChannels) != len(config.StudentChannels) {
		return fmt.Errorf("teacher has %d stages, student has %d", len(config.TeacherChannels), len(config.StudentChannels))
	}
	for i := range config.TeacherChannels {
		if config.TeacherChannels[i] <= 0 || config.StudentChannels[i] <= 0 {
			return fmt.Errorf("stage %d: channel counts must be positive", i)
		}
	}

	if config.ConnectorDepth < 1 {
		return fmt.Errorf("connector depth must be at least 1")
	}

	if config.ConnectorKernelSize < 1 || config.ConnectorKernelSize%2 == 0 {
		return fmt.Errorf("connector kernel size must be a positive odd integer")
	}

	if config.Alpha < 0 {
		return fmt.Errorf("alpha must be non-negative")
	}

	if config.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive")
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	if config.Steps <= 0 {
		return fmt.Errorf("steps must be positive")
	}

	return nil
}
