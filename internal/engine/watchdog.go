package engine

import (
	"io"
	"sync/atomic"
	"time"
)

// watchdog bounds how long a single body Read may block. The timer only runs
// while a Read is in flight, so time the caller spends between reads (slow
// chunk handlers, parsing buffered lines) never counts as a stall. When it
// fires, onStall aborts the request, which makes the blocked Read return.
type watchdog struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	reading atomic.Bool
}

func newWatchdog(r io.Reader, timeout time.Duration, onStall func()) *watchdog {
	w := &watchdog{r: r, timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		// a timer that lost the race with Read returning is ignored
		if w.reading.Load() {
			onStall()
		}
	})
	w.timer.Stop()
	return w
}

func (w *watchdog) Read(p []byte) (int, error) {
	w.reading.Store(true)
	w.timer.Reset(w.timeout)
	n, err := w.r.Read(p)
	w.reading.Store(false)
	w.timer.Stop()
	return n, err
}

// Stop disarms the timer.
func (w *watchdog) Stop() {
	w.reading.Store(false)
	w.timer.Stop()
}
