package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/basket/mwcore/internal/frame"
	"github.com/basket/mwcore/internal/mwerr"
)

// ComponentChannel wraps the inherited file descriptor the core is handed
// via `-f <fd>`: the always-present non-bridge transport between mwcore
// and the API library in the same process tree. There is exactly one
// connection handle, 0, on this transport.
type ComponentChannel struct {
	mu     sync.Mutex
	file   *os.File
	parser *frame.Parser
	closed bool

	onData       func(handle int, data []byte)
	onDisconnect func(handle int)
}

// NewComponentChannel wraps an already-open file descriptor (typically
// built from a socketpair or named FIFO set up by the parent process
// before exec'ing mwcore).
func NewComponentChannel(fd uintptr) *ComponentChannel {
	c := &ComponentChannel{
		file: os.NewFile(fd, "component-channel"),
	}
	c.parser = frame.New(func(f []byte) {
		if c.onData != nil {
			cp := make([]byte, len(f))
			copy(cp, f)
			c.onData(0, cp)
		}
	})
	return c
}

// Connect is a no-op for the component channel: the connection already
// exists by construction. Any address is accepted and ignored.
func (c *ComponentChannel) Connect(_ context.Context, _ string) (int, error) {
	return 0, nil
}

// Send writes data to the component channel.
func (c *ComponentChannel) Send(handle int, data []byte) error {
	if handle != 0 {
		return fmt.Errorf("%w: component channel only has handle 0", mwerr.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: component channel closed", mwerr.ErrTransport)
	}
	_, err := c.file.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	return nil
}

func (c *ComponentChannel) SetOnData(fn func(handle int, data []byte))       { c.onData = fn }
func (c *ComponentChannel) SetOnConnect(fn func(handle int))                 {}
func (c *ComponentChannel) SetOnDisconnect(fn func(handle int))              { c.onDisconnect = fn }

// ReadLoop blocks reading from the file descriptor, feeding bytes to the
// frame parser until EOF or an error, then invokes the disconnect
// callback. Run this in its own goroutine; it owns the read side of the
// channel exclusively.
func (c *ComponentChannel) ReadLoop() error {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.file.Read(buf)
		if n > 0 {
			c.parser.Feed(buf[:n])
		}
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			if c.onDisconnect != nil {
				c.onDisconnect(0)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
		}
	}
}

// Close closes the underlying file descriptor.
func (c *ComponentChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}
