package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannels(t *testing.T) {
	got, err := ParseChannels("16 32,64")
	require.NoError(t, err)
	assert.Equal(t, []int{16, 32, 64}, got)

	got, err = ParseChannels("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseChannels("16 x")
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(DefaultDistillConfig()))

	cases := map[string]func(c *DistillConfig){
		"stage mismatch": func(c *DistillConfig) { c.StudentChannels = []int{8} },
		"no stages":      func(c *DistillConfig) { c.TeacherChannels, c.StudentChannels = nil, nil },
		"zero channels":  func(c *DistillConfig) { c.StudentChannels = []int{0, 16} },
		"depth":          func(c *DistillConfig) { c.ConnectorDepth = 0 },
		"even kernel":    func(c *DistillConfig) { c.ConnectorKernelSize = 2 },
		"alpha":          func(c *DistillConfig) { c.Alpha = -1 },
		"lr":             func(c *DistillConfig) { c.LearningRate = 0 },
		"batch":          func(c *DistillConfig) { c.BatchSize = 0 },
		"steps":          func(c *DistillConfig) { c.Steps = 0 },
	}
	for name, mutate := range cases {
		c := DefaultDistillConfig()
		mutate(c)
		assert.Error(t, ValidateConfig(c), name)
	}
}
