package utils

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationUS(t *testing.T) {
	d := 1234*time.Microsecond + 567*time.Nanosecond
	got := DurationUS(d)
	if math.Abs(got-1234.567) > 0.001 {
		t.Fatalf("want 1234.567µs, got %.3f", got)
	}
}

func withOutput(t *testing.T, verbose bool) *bytes.Buffer {
	var buf bytes.Buffer
	oldOut, oldVerbose := Output, Verbose
	Output, Verbose = &buf, verbose
	t.Cleanup(func() { Output, Verbose = oldOut, oldVerbose })
	return &buf
}

func TestLogfRespectsVerbose(t *testing.T) {
	buf := withOutput(t, true)
	Logf("stage %d\n", 3)
	assert.Equal(t, "stage 3\n", buf.String())

	buf = withOutput(t, false)
	Logf("stage %d\n", 3)
	assert.Empty(t, buf.String())
}

func TestPrintTimingStats(t *testing.T) {
	buf := withOutput(t, true)
	stats := &TimingStats{
		TotalTime:          10 * time.Millisecond,
		TeacherForwardTime: 2 * time.Millisecond,
		StudentForwardTime: 2 * time.Millisecond,
	}
	assert.Equal(t, 4*time.Millisecond, stats.ForwardPassTime())
	PrintTimingStats(stats, 2)
	assert.Contains(t, buf.String(), "Forward pass: 4ms (40.0%)")
	assert.Contains(t, buf.String(), "Teacher features: 2ms (50.0% of forward)")
	assert.Contains(t, buf.String(), "Average step time: 5000.0µs")

	// zero totals must not divide by zero
	PrintTimingStats(&TimingStats{}, 0)
}
