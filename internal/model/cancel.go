package model

import (
	"sync"
	"sync/atomic"
)

// CancelToken is a one-shot cancellation flag shared between a batch and the
// actor that may stop it (signal handler, test). Once cancelled it stays
// cancelled; create a new token per batch. A nil token is never cancelled.
// The zero value is a live token.
type CancelToken struct {
	flag     atomic.Bool
	once     sync.Once
	initOnce sync.Once
	done     chan struct{}
}

// NewCancelToken returns a live token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

func (t *CancelToken) ch() chan struct{} {
	t.initOnce.Do(func() { t.done = make(chan struct{}) })
	return t.done
}

// Cancel flips the token. Safe to call more than once and from any goroutine.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.flag.Store(true)
		close(t.ch())
	})
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// Done is closed on cancellation. A nil token returns a nil channel.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch()
}
