package pipeline

import "sync"

// CancelToken requests that a running pipeline stop before its next stage.
// A nil *CancelToken is never cancelled.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken returns an untriggered token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel triggers the token. Later calls are no-ops.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done is closed when the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}
