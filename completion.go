package blocktls

import "sync"

// Completion is a one-shot handshake completion notifier.  The session
// fulfils it from the driving thread on the first handshake completion,
// carrying whatever application bytes were already decrypted at that point
// (possibly none).  A second fulfilment attempt is rejected.
type Completion struct {
	once  sync.Once
	done  chan struct{}
	value []byte
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete fulfils the notifier with value and reports whether this call
// was the one that fulfilled it.  The value is copied; later buffer reuse
// by the session does not alias it.
func (c *Completion) Complete(value []byte) bool {
	first := false
	c.once.Do(func() {
		c.value = append([]byte(nil), value...)
		close(c.done)
		first = true
	})
	return first
}

// Done is closed once the notifier has been fulfilled.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Completed reports whether the notifier has fired.
func (c *Completion) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Value returns the bytes the notifier was fulfilled with, or nil if it has
// not fired yet.
func (c *Completion) Value() []byte {
	if !c.Completed() {
		return nil
	}
	return c.value
}
