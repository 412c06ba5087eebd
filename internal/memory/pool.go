package memory

import (
	"context"
	"fmt"
	"time"
)

// SessionPool bounds concurrent backend sessions. Slots are handed out on a
// semaphore channel; acquisition waits up to the configured timeout before
// failing with ErrPoolTimeout. Sessions are always released, including on
// panic and error paths.
type SessionPool struct {
	backend Backend
	slots   chan struct{}
	timeout time.Duration
}

// NewSessionPool creates a pool with the given size and acquire timeout.
// Defaults: 10 sessions, 5s timeout.
func NewSessionPool(backend Backend, size int, timeout time.Duration) *SessionPool {
	if size <= 0 {
		size = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &SessionPool{
		backend: backend,
		slots:   make(chan struct{}, size),
		timeout: timeout,
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// WithSession acquires a slot, opens a session, runs fn, and releases both
// on every exit path.
func (p *SessionPool) WithSession(ctx context.Context, fn func(Session) error) error {
	select {
	case <-p.slots:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return ErrPoolTimeout
	}
	defer func() { p.slots <- struct{}{} }()

	sess, err := p.backend.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer sess.Close()

	return fn(sess)
}

// Ping checks backend reachability without consuming a pool slot.
func (p *SessionPool) Ping(ctx context.Context) error {
	return p.backend.Ping(ctx)
}

// Available returns the number of free slots.
func (p *SessionPool) Available() int {
	return len(p.slots)
}
