package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/stowload/internal/step/metrics"
	"github.com/wesleyorama2/stowload/internal/step/op"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := formatDuration(tt.duration); result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := formatNumber(tt.number); result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{512, "512B"},
		{1024, "1.00KiB"},
		{1536, "1.50KiB"},
		{4 * 1024 * 1024, "4.00MiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := formatBytes(tt.bytes); result != tt.expected {
				t.Errorf("formatBytes(%d) = %q, want %q", tt.bytes, result, tt.expected)
			}
		})
	}
}

func testSnapshot(threshold bool) *metrics.Snapshot {
	return &metrics.Snapshot{
		StepID:               "linear_20260101",
		OpType:               op.TypeCreate,
		ConcurrencyLimit:     10,
		ConcurrencyThreshold: 8,
		Threshold:            threshold,
		Succ:                 1500,
		Fail:                 2,
		Bytes:                3 * 1024 * 1024,
		OpsPerSecond:         150,
		BytesPerSecond:       300 * 1024,
		Elapsed:              10 * time.Second,
		Duration:             metrics.LatencyStats{Mean: 2 * time.Millisecond, P99: 5 * time.Millisecond, Count: 1500},
	}
}

func TestConsole_PeriodicLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Color: true})

	c.Snapshot(testSnapshot(false), false)

	line := buf.String()
	for _, want := range []string{"linear_20260101", "CREATE", "n=(1,500/2)", "t=10.0s", "TP=150.0op/s", "BW=300.00KiB/s", "dur[us]=2000/5000"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
	if strings.Contains(line, "\033[") {
		t.Error("a non-terminal writer should not receive colors")
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", line)
	}
}

func TestConsole_Summary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	c.Snapshot(testSnapshot(true), true)

	out := buf.String()
	for _, want := range []string{"Threshold summary", "1,500 succ, 2 fail", "3.00MiB", "8 of 10"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary %q does not contain %q", out, want)
		}
	}
}

func TestConsole_ForceColors(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceColors: true})

	c.Snapshot(testSnapshot(false), false)
	if !strings.Contains(buf.String(), "\033[") {
		t.Error("forced colors should produce ANSI sequences")
	}
}
