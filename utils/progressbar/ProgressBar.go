// Package progressbar implements functionality of printing a progress
// bar to the terminal window
package progressbar

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProgressBar implements a concurrent progress bar tracking progress
// towards a fixed total. Progress updates are cheap atomic adds;
// drawing happens on a background goroutine at a fixed interval, so
// the bar never slows down the loop it measures.
type ProgressBar struct {
	width int
	max   int64

	current int64 // Accessed atomically

	closeEvent chan struct{}
	closeOnce  sync.Once

	updateEvery time.Duration
}

// NewProgressBar returns a new progress bar that is width characters
// wide and reaches 100% once IncrementBy has been called with a total
// of max
func NewProgressBar(width, max int, updateEvery time.Duration) *ProgressBar {
	return &ProgressBar{
		width:       width,
		max:         int64(max),
		closeEvent:  make(chan struct{}),
		updateEvery: updateEvery,
	}
}

// IncrementBy advances the progress bar by n units
func (pbar *ProgressBar) IncrementBy(n int) {
	atomic.AddInt64(&pbar.current, int64(n))
}

// Close stops the progress bar so that it will no longer display to
// the screen. It is safe to call more than once.
func (pbar *ProgressBar) Close() {
	pbar.closeOnce.Do(func() {
		close(pbar.closeEvent)
		fmt.Println() // Jump to next line after printed pbar
	})
}

// Display displays the progress bar on the screen. It should only be
// called once.
func (pbar *ProgressBar) Display() {
	go func() {
		tick := time.NewTicker(pbar.updateEvery)
		defer tick.Stop()

		start := time.Now()
		var bar strings.Builder

		for {
			select {
			case <-tick.C:
			case <-pbar.closeEvent:
				return
			}

			current := atomic.LoadInt64(&pbar.current)
			frac := float64(current) / float64(pbar.max)
			if frac > 1 {
				frac = 1
			}

			bar.Reset()
			bar.WriteString("|")
			filled := int(frac * float64(pbar.width))
			for i := 0; i < pbar.width; i++ {
				if i < filled {
					bar.WriteString("█")
				} else {
					bar.WriteString(" ")
				}
			}
			bar.WriteString(fmt.Sprintf("| [%.2f%% | elapsed: %v]",
				frac*100, time.Since(start).Round(time.Second)))

			fmt.Printf("\n\033[1A\033[K%v", bar.String())
		}
	}()
}
