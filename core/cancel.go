package core

import (
	"fmt"
	"sync"
)

// CancellationToken is a single-shot abort signal shared by reference
// across an execution subtree. Once tripped it stays tripped; Cancel is
// idempotent and safe for concurrent use.
type CancellationToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancellationToken returns an untripped token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel trips the token. Blocked Done waiters wake immediately.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// IsCancelled reports whether the token has been tripped.
func (t *CancellationToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Check returns ErrCanceled if the token has been tripped.
func (t *CancellationToken) Check() error {
	if t.IsCancelled() {
		return fmt.Errorf("cancellation requested: %w", ErrCanceled)
	}
	return nil
}

// Done returns a channel closed when the token trips. Select on it in
// polling waits so in-flight operations unblock promptly.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}
