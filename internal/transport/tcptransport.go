package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/basket/mwcore/internal/frame"
	"github.com/basket/mwcore/internal/mwerr"
)

// TCPTransport bridges two cores on separate hosts over a plain TCP
// connection. It both dials outbound mappings and accepts inbound ones
// when Listen is called, unifying both directions under one handle space.
type TCPTransport struct {
	mu          sync.Mutex
	conns       map[int]net.Conn
	parsers     map[int]*frame.Parser
	nextHandle  atomic.Int64
	listener    net.Listener

	onData       func(handle int, data []byte)
	onConnect    func(handle int)
	onDisconnect func(handle int)
}

// NewTCPTransport creates an idle transport; call Listen to accept inbound
// connections, or Connect to dial out.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{
		conns:   make(map[int]net.Conn),
		parsers: make(map[int]*frame.Parser),
	}
}

// Connect dials address over TCP, registering the new connection under a
// freshly minted handle and starting its read loop.
func (t *TCPTransport) Connect(ctx context.Context, address string) (int, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	handle := t.register(conn)
	go t.readLoop(handle, conn)
	return handle, nil
}

// Listen starts accepting inbound connections on address (a bridge-mode
// TCP transport listening for a remote core to dial in).
func (t *TCPTransport) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			handle := t.register(conn)
			if t.onConnect != nil {
				t.onConnect(handle)
			}
			go t.readLoop(handle, conn)
		}
	}()
	return nil
}

func (t *TCPTransport) register(conn net.Conn) int {
	handle := int(t.nextHandle.Add(1))
	t.mu.Lock()
	t.conns[handle] = conn
	t.parsers[handle] = frame.New(func(f []byte) {
		if t.onData != nil {
			cp := make([]byte, len(f))
			copy(cp, f)
			t.onData(handle, cp)
		}
	})
	t.mu.Unlock()
	return handle
}

func (t *TCPTransport) readLoop(handle int, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.mu.Lock()
			p := t.parsers[handle]
			t.mu.Unlock()
			if p != nil {
				p.Feed(buf[:n])
			}
		}
		if err != nil {
			t.mu.Lock()
			delete(t.conns, handle)
			delete(t.parsers, handle)
			t.mu.Unlock()
			if t.onDisconnect != nil {
				t.onDisconnect(handle)
			}
			return
		}
	}
}

// Send writes data to the connection identified by handle.
func (t *TCPTransport) Send(handle int, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection for handle %d", mwerr.ErrNotFound, handle)
	}
	_, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	return nil
}

func (t *TCPTransport) SetOnData(fn func(handle int, data []byte)) { t.onData = fn }
func (t *TCPTransport) SetOnConnect(fn func(handle int))           { t.onConnect = fn }
func (t *TCPTransport) SetOnDisconnect(fn func(handle int))        { t.onDisconnect = fn }

// Close closes the listener, if any, and every open connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for h, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, h)
	}
	return firstErr
}
