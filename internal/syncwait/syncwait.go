// Package syncwait implements the blocking-call synchroniser: a per-call
// future registered in a pending-calls map keyed by message id. A caller
// sends its frame and blocks until a reply carrying the same message id
// arrives on the receive path, the context is cancelled, or the timeout
// elapses, whichever comes first.
package syncwait

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/mwcore/internal/mwerr"
)

// DefaultTimeout bounds a blocking call when the caller's context carries no
// tighter deadline.
const DefaultTimeout = 5 * time.Second

// call is one in-flight blocking call's completion slot.
type call struct {
	done chan struct{}
	once sync.Once
	payload []byte
	err     error
}

func (c *call) complete(payload []byte, err error) {
	c.once.Do(func() {
		c.payload = payload
		c.err = err
		close(c.done)
	})
}

// Synchroniser tracks in-flight blocking calls keyed by message id. Only one
// blocking call may be in flight per channel; sendMu serialises concurrent
// callers. The completion bookkeeping itself is per-message-id, so relaxing
// the one-at-a-time constraint later would not require a wire change.
type Synchroniser struct {
	sendMu sync.Mutex // serialises concurrent blocking calls (one in flight)

	mu      sync.Mutex
	pending map[string]*call
}

// New creates an empty Synchroniser.
func New() *Synchroniser {
	return &Synchroniser{pending: make(map[string]*call)}
}

// Call sends the given frame via send, then blocks until a reply with
// msgID arrives (delivered via Complete), ctx is done, or DefaultTimeout
// elapses -- whichever first. send must not block on another Call; the
// caller holds Synchroniser's serialisation for the duration.
func (s *Synchroniser) Call(ctx context.Context, msgID string, send func() error) ([]byte, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	c := &call{done: make(chan struct{})}
	s.mu.Lock()
	s.pending[msgID] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msgID)
		s.mu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	select {
	case <-c.done:
		return c.payload, c.err
	case <-timeoutCtx.Done():
		return nil, mwerr.ErrTimeout
	}
}

// Complete delivers a reply payload to the blocking call awaiting msgID, if
// any. Called from the receive path on observing a direction-tag-'b' frame.
// Reports whether a waiter was found.
func (s *Synchroniser) Complete(msgID string, payload []byte) bool {
	s.mu.Lock()
	c, ok := s.pending[msgID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.complete(payload, nil)
	return true
}

// FailAll wakes every outstanding call with err, used when the transport to
// the peer disconnects.
func (s *Synchroniser) FailAll(err error) {
	s.mu.Lock()
	calls := make([]*call, 0, len(s.pending))
	for _, c := range s.pending {
		calls = append(calls, c)
	}
	s.mu.Unlock()
	for _, c := range calls {
		c.complete(nil, err)
	}
}

// Pending returns the number of in-flight blocking calls, for diagnostics.
func (s *Synchroniser) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
