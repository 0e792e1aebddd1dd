package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether progress and timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where progress and timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// Logf prints a formatted progress line to Output when Verbose is set.
func Logf(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	fmt.Fprintf(Output, format, args...)
}

// TimingStats holds timing information for the phases of a distillation step.
type TimingStats struct {
	TotalTime           time.Duration
	DataLoadingTime     time.Duration
	ModelInitTime       time.Duration
	TeacherForwardTime  time.Duration
	StudentForwardTime  time.Duration
	ConnectorTime       time.Duration
	LossComputationTime time.Duration
	BackwardPassTime    time.Duration
	UpdateTime          time.Duration
}

// ForwardPassTime is the sum of the forward-phase timings.
func (s *TimingStats) ForwardPassTime() time.Duration {
	return s.TeacherForwardTime + s.StudentForwardTime + s.ConnectorTime + s.LossComputationTime
}

func pct(part, whole time.Duration) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// PrintTimingStats prints detailed timing statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats, steps int) {
	if !Verbose {
		return
	}
	if steps <= 0 {
		steps = 1
	}
	forward := stats.ForwardPassTime()
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total training time: %v\n", stats.TotalTime)
	fmt.Fprintf(Output, "Average time per step: %v\n", stats.TotalTime/time.Duration(steps))
	fmt.Fprintf(Output, "Steps completed: %d\n", steps)
	fmt.Fprintln(Output, "\nBreakdown by operation:")
	fmt.Fprintf(Output, "  Data loading: %v (%.1f%%)\n", stats.DataLoadingTime, pct(stats.DataLoadingTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Model initialization: %v (%.1f%%)\n", stats.ModelInitTime, pct(stats.ModelInitTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Forward pass: %v (%.1f%%)\n", forward, pct(forward, stats.TotalTime))
	fmt.Fprintf(Output, "  Backward pass: %v (%.1f%%)\n", stats.BackwardPassTime, pct(stats.BackwardPassTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Weight updates: %v (%.1f%%)\n", stats.UpdateTime, pct(stats.UpdateTime, stats.TotalTime))
	fmt.Fprintln(Output, "\nForward pass breakdown:")
	fmt.Fprintf(Output, "  Teacher features: %v (%.1f%% of forward)\n", stats.TeacherForwardTime, pct(stats.TeacherForwardTime, forward))
	fmt.Fprintf(Output, "  Student features: %v (%.1f%% of forward)\n", stats.StudentForwardTime, pct(stats.StudentForwardTime, forward))
	fmt.Fprintf(Output, "  Connectors: %v (%.1f%% of forward)\n", stats.ConnectorTime, pct(stats.ConnectorTime, forward))
	fmt.Fprintf(Output, "  Margin-ReLU loss: %v (%.1f%% of forward)\n", stats.LossComputationTime, pct(stats.LossComputationTime, forward))
	fmt.Fprintln(Output, "\nPerformance metrics:")
	fmt.Fprintf(Output, "  Average forward pass time: %v\n", forward/time.Duration(steps))
	fmt.Fprintf(Output, "  Average backward pass time: %v\n", stats.BackwardPassTime/time.Duration(steps))
	fmt.Fprintf(Output, "  Average step time: %.1fµs\n", DurationUS(stats.TotalTime/time.Duration(steps)))
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
