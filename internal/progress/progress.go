// Package progress draws a transient activity indicator on a terminal line
// while the model has not produced output yet.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Style renders a frame before it is written. It may be nil.
type Style func(string) string

// Indicator animates a spinner followed by a label until Stop is called.
// The zero value is not usable; create one with New.
type Indicator struct {
	w     io.Writer
	label string
	style Style
	spin  spinner.Spinner

	mu      sync.Mutex
	running bool
	width   int
	stop    chan struct{}
	done    chan struct{}
}

// New returns an indicator that writes to w. Frames come from spinner.Dot.
func New(w io.Writer, label string, style Style) *Indicator {
	return &Indicator{
		w:     w,
		label: label,
		style: style,
		spin:  spinner.Dot,
	}
}

// WithSpinner replaces the frame set.
func (i *Indicator) WithSpinner(s spinner.Spinner) *Indicator {
	i.spin = s
	return i
}

// Start begins drawing. Calling Start on a running indicator is a no-op.
func (i *Indicator) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running || len(i.spin.Frames) == 0 {
		return
	}
	i.running = true
	i.stop = make(chan struct{})
	i.done = make(chan struct{})
	go i.loop(i.stop, i.done)
}

// Stop halts drawing and erases the indicator. When Stop returns nothing
// further is written to the underlying writer, so callers may write output
// immediately after.
func (i *Indicator) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	close(i.stop)
	done := i.done
	i.mu.Unlock()

	<-done

	i.mu.Lock()
	width := i.width
	i.width = 0
	i.mu.Unlock()
	if width > 0 {
		fmt.Fprint(i.w, "\r"+strings.Repeat(" ", width)+"\r")
	}
}

func (i *Indicator) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	fps := i.spin.FPS
	if fps <= 0 {
		fps = time.Second / 10
	}
	ticker := time.NewTicker(fps)
	defer ticker.Stop()

	frame := 0
	for {
		i.draw(frame)
		frame = (frame + 1) % len(i.spin.Frames)

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (i *Indicator) draw(frame int) {
	text := i.spin.Frames[frame]
	if i.label != "" {
		text += " " + i.label
	}
	visible := len([]rune(text))
	if i.style != nil {
		text = i.style(text)
	}

	i.mu.Lock()
	i.width = max(i.width, visible)
	i.mu.Unlock()

	fmt.Fprint(i.w, "\r"+text)
}
