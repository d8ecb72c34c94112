// Package output prints load step metrics to the console.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/stowload/internal/step/metrics"
)

// ColorScheme defines the colors used for the metrics lines.
type ColorScheme struct {
	Step      *color.Color
	OpType    *color.Color
	Succ      *color.Color
	Fail      *color.Color
	Threshold *color.Color
	Summary   *color.Color
	Dim       *color.Color
}

// DefaultColorScheme returns the default color scheme.
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Step:      color.New(color.FgCyan),
		OpType:    color.New(color.FgBlue, color.Bold),
		Succ:      color.New(color.FgGreen),
		Fail:      color.New(color.FgRed, color.Bold),
		Threshold: color.New(color.FgMagenta, color.Bold),
		Summary:   color.New(color.FgYellow, color.Bold),
		Dim:       color.New(color.Faint),
	}
}

// NoColorScheme returns a color scheme with all colors disabled.
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range []*color.Color{
		scheme.Step, scheme.OpType, scheme.Succ, scheme.Fail,
		scheme.Threshold, scheme.Summary, scheme.Dim,
	} {
		c.DisableColor()
	}
	return scheme
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer      io.Writer
	Color       bool
	ForceColors bool
}

// Console writes one line per periodic snapshot and a summary block per
// final snapshot. It implements metrics.Output.
type Console struct {
	mu     sync.Mutex
	writer io.Writer
	scheme *ColorScheme
}

// NewConsole creates a console output. Colors are used when requested and
// the writer is a terminal, or when forced.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	scheme := NoColorScheme()
	if cfg.ForceColors || (cfg.Color && isTerminal(cfg.Writer) && supportsColors()) {
		scheme = DefaultColorScheme()
		for _, c := range []*color.Color{
			scheme.Step, scheme.OpType, scheme.Succ, scheme.Fail,
			scheme.Threshold, scheme.Summary, scheme.Dim,
		} {
			c.EnableColor()
		}
	}

	return &Console{writer: cfg.Writer, scheme: scheme}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok && (f == os.Stdout || f == os.Stderr) {
		return checkIsTerminal(f)
	}
	return false
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// Snapshot implements metrics.Output.
func (c *Console) Snapshot(s *metrics.Snapshot, final bool) {
	var text string
	if final {
		text = c.formatSummary(s)
	} else {
		text = c.formatLine(s) + "\n"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.writer, text)
}

// PrintHeader prints the step banner.
func (c *Console) PrintHeader(stepID string, runID int64, driverType string, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "%s %s  run %d  driver %s  concurrency %d\n",
		c.scheme.Summary.Sprint("load step"),
		c.scheme.Step.Sprint(stepID),
		runID, driverType, limit)
}

func (c *Console) formatLine(s *metrics.Snapshot) string {
	var b strings.Builder
	b.WriteString(c.scheme.Step.Sprint(s.StepID))
	b.WriteByte(' ')
	b.WriteString(c.scheme.OpType.Sprint(strings.ToUpper(string(s.OpType))))
	if s.Threshold {
		b.WriteByte(' ')
		b.WriteString(c.scheme.Threshold.Sprint("[threshold]"))
	}
	fmt.Fprintf(&b, " n=(%s/%s)",
		c.scheme.Succ.Sprint(formatNumber(s.Succ)),
		c.failColor(s.Fail).Sprint(formatNumber(s.Fail)))
	fmt.Fprintf(&b, " t=%s", formatDuration(s.Elapsed))
	fmt.Fprintf(&b, " TP=%.1fop/s BW=%s/s", s.OpsPerSecond, formatBytes(int64(s.BytesPerSecond)))
	fmt.Fprintf(&b, " dur[us]=%d/%d lat[us]=%d/%d",
		s.Duration.Mean.Microseconds(), s.Duration.P99.Microseconds(),
		s.Latency.Mean.Microseconds(), s.Latency.P99.Microseconds())
	return b.String()
}

func (c *Console) failColor(n int64) *color.Color {
	if n > 0 {
		return c.scheme.Fail
	}
	return c.scheme.Dim
}

func (c *Console) formatSummary(s *metrics.Snapshot) string {
	title := "Load step summary"
	if s.Threshold {
		title = "Threshold summary"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n",
		c.scheme.Summary.Sprint(title),
		c.scheme.Step.Sprint(s.StepID),
		c.scheme.OpType.Sprint(strings.ToUpper(string(s.OpType))))
	row := func(k, v string) {
		fmt.Fprintf(&b, "  %-14s %s\n", k+":", v)
	}
	row("operations", fmt.Sprintf("%s succ, %s fail (%s corrupted)",
		formatNumber(s.Succ), formatNumber(s.Fail), formatNumber(s.Corrupted)))
	row("transferred", formatBytes(s.Bytes))
	row("elapsed", formatDuration(s.Elapsed))
	row("throughput", fmt.Sprintf("%.2f op/s, %s/s", s.OpsPerSecond, formatBytes(int64(s.BytesPerSecond))))
	row("duration", formatStats(s.Duration))
	row("latency", formatStats(s.Latency))
	if s.ConcurrencyThreshold > 0 {
		row("threshold", fmt.Sprintf("%d of %d", s.ConcurrencyThreshold, s.ConcurrencyLimit))
	}
	if s.Comment != "" {
		row("comment", s.Comment)
	}
	return b.String()
}

func formatStats(l metrics.LatencyStats) string {
	if l.Count == 0 {
		return "-"
	}
	return fmt.Sprintf("min %s  avg %s  p50 %s  p95 %s  p99 %s  max %s",
		formatDurationShort(l.Min), formatDurationShort(l.Mean), formatDurationShort(l.P50),
		formatDurationShort(l.P95), formatDurationShort(l.P99), formatDurationShort(l.Max))
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func formatDurationShort(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return "0us"
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var _ metrics.Output = (*Console)(nil)
