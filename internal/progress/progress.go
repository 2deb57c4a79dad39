// Package progress draws a one-line transfer bar on a terminal.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	barWidth   = 28
	labelWidth = 20
	redraw     = 150 * time.Millisecond
)

// Bar tracks bytes moved against an expected total. A non-positive total
// means unknown; the bar then shows only parts, volume and speed.
type Bar struct {
	w     io.Writer
	done  atomic.Int64
	parts atomic.Int64
	t0    time.Time

	mu    sync.Mutex
	label string
	total int64
	last  time.Time
}

func New(w io.Writer, label string, total int64) *Bar {
	b := &Bar{w: w, t0: time.Now()}
	b.Start(label, total)
	return b
}

// Start relabels the bar and sets the expected total once it is known. It
// matches the session's OnStart hook.
func (b *Bar) Start(label string, total int64) {
	if len(label) > labelWidth {
		label = label[len(label)-labelWidth:]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.label = label
	b.total = total
}

// Part records one more part of n bytes. It matches the session's OnPart
// hook.
func (b *Bar) Part(_ int, n int64) {
	b.parts.Add(1)
	done := b.done.Add(n)
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.last) >= redraw || (b.total > 0 && done >= b.total) {
		b.last = time.Now()
		b.draw(done)
	}
}

// Finish draws the final state and ends the line.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draw(b.done.Load())
	fmt.Fprintln(b.w)
}

func (b *Bar) draw(done int64) {
	dt := time.Since(b.t0).Seconds()
	var speed float64
	if dt > 0 {
		speed = float64(done) / dt
	}
	if b.total <= 0 {
		fmt.Fprintf(b.w, "\r  %-*s  %4d parts  %s  %s/s",
			labelWidth, b.label, b.parts.Load(), FormatSize(float64(done)), FormatSize(speed))
		return
	}
	pct := float64(done) / float64(b.total)
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * barWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)
	var eta float64
	if speed > 0 {
		eta = float64(b.total-done) / speed
	}
	fmt.Fprintf(b.w, "\r  %-*s [%s] %5.1f%%  %s/s  ETA %s",
		labelWidth, b.label, bar, pct*100, FormatSize(speed), FormatDuration(eta))
}

func FormatSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

// FormatDuration renders seconds as "42s" or "3m07s".
func FormatDuration(s float64) string {
	if s < 0 {
		s = 0
	}
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%dm%02ds", int(s)/60, int(s)%60)
}
