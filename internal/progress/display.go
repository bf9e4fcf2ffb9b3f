package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// CountsFunc reports the run's success and failure totals.
type CountsFunc func() (success, failure int64)

// Display periodically renders the ledger summary to a terminal
type Display struct {
	ledger   *Ledger
	counts   CountsFunc
	out      io.Writer
	interval time.Duration
	started  time.Time

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display. counts may be nil.
func NewDisplay(ledger *Ledger, counts CountsFunc, out io.Writer, interval time.Duration) *Display {
	if out == nil {
		out = os.Stdout
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Display{
		ledger:   ledger,
		counts:   counts,
		out:      out,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the display loop in its own goroutine
func (d *Display) Start() {
	d.started = time.Now()
	go d.displayLoop()
}

// Stop stops the loop and waits for the final render
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprint(d.out, strings.Join(d.render(false), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.render(true), "\n"))
			return
		}
	}
}

func (d *Display) render(final bool) []string {
	lines := make([]string, 0, 16)

	lines = append(lines, "")
	if final {
		lines = append(lines, "Preparation finished")
	} else {
		lines = append(lines, "Preparation progress")
	}
	lines = append(lines, strings.Repeat("=", 51))
	if op := d.ledger.Operation(); op != "" && !final {
		lines = append(lines, fmt.Sprintf("  Running:   %s", op))
	}
	lines = append(lines, RenderSummary(d.ledger.Summary())...)

	if d.counts != nil {
		success, failure := d.counts()
		lines = append(lines, "")
		lines = append(lines, fmt.Sprintf("  Succeeded: %d", success))
		lines = append(lines, fmt.Sprintf("  Failed:    %d", failure))
	}

	if !d.started.IsZero() {
		lines = append(lines, fmt.Sprintf("  Elapsed:   %s", FormatDuration(time.Since(d.started))))
	}
	lines = append(lines, fmt.Sprintf("Last update: %s", time.Now().Format("15:04:05")))
	lines = append(lines, "")
	return lines
}

// RenderSummary formats summary entries, one block per tracked key.
func RenderSummary(entries []Entry) []string {
	if len(entries) == 0 {
		return []string{"  (no progress recorded)"}
	}

	lines := make([]string, 0, len(entries)*3)
	for _, e := range entries {
		head := fmt.Sprintf("%s: %d", e.Key, e.Current)
		if e.Total != nil {
			head = fmt.Sprintf("%s: %d/%d", e.Key, e.Current, *e.Total)
		}
		if e.Operation != "" {
			head += " [" + e.Operation + "]"
		}
		lines = append(lines, head)

		if e.Total != nil {
			lines = append(lines, "    "+progressBar(e.Percentage, 40))
		}

		var extra []string
		if e.Elapsed != nil {
			extra = append(extra, "elapsed "+FormatDuration(seconds(*e.Elapsed)))
		}
		if e.ETA != nil {
			extra = append(extra, "eta "+FormatDuration(seconds(*e.ETA)))
		}
		if e.Details != "" {
			extra = append(extra, e.Details)
		}
		if len(extra) > 0 {
			lines = append(lines, "    "+strings.Join(extra, ", "))
		}
	}
	return lines
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, secs)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// IsTerminalSupported reports whether stdout is a character device
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
