package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/basket/mwcore/internal/mwerr"
)

// WSTransport is a bridge transport plug-in: a remote core connects over a
// websocket upgrade instead of a raw TCP socket, the same role TCPTransport
// plays but suited to cores reachable only over HTTP (load balancers,
// reverse proxies).
type WSTransport struct {
	allowOrigins []string

	mu         sync.Mutex
	conns      map[int]*websocket.Conn
	nextHandle atomic.Int64

	onData       func(handle int, data []byte)
	onConnect    func(handle int)
	onDisconnect func(handle int)
}

// NewWSTransport creates a websocket bridge transport. allowOrigins is
// passed straight through to websocket.AcceptOptions.OriginPatterns.
func NewWSTransport(allowOrigins []string) *WSTransport {
	return &WSTransport{
		allowOrigins: allowOrigins,
		conns:        make(map[int]*websocket.Conn),
	}
}

// Handler returns the http.HandlerFunc to mount for inbound bridge
// connections (e.g. at /transport/ws on the core's debug listener).
func (t *WSTransport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: t.allowOrigins,
		})
		if err != nil {
			return
		}
		handle := t.register(conn)
		if t.onConnect != nil {
			t.onConnect(handle)
		}
		t.readLoop(r.Context(), handle, conn)
	}
}

// Connect dials address (a ws:// or wss:// URL) and registers the
// resulting connection.
func (t *WSTransport) Connect(ctx context.Context, address string) (int, error) {
	conn, _, err := websocket.Dial(ctx, address, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	handle := t.register(conn)
	go t.readLoop(context.Background(), handle, conn)
	return handle, nil
}

func (t *WSTransport) register(conn *websocket.Conn) int {
	handle := int(t.nextHandle.Add(1))
	t.mu.Lock()
	t.conns[handle] = conn
	t.mu.Unlock()
	return handle
}

func (t *WSTransport) readLoop(ctx context.Context, handle int, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, handle)
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
		if t.onDisconnect != nil {
			t.onDisconnect(handle)
		}
	}()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if t.onData != nil {
			t.onData(handle, data)
		}
	}
}

// Send writes a complete framed JSON message as one websocket text
// message; the frame parser on the receiving core's side tolerates this
// even though the transport here doesn't need to split it, since the
// component-channel protocol is frame-oriented, not message-oriented.
func (t *WSTransport) Send(handle int, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection for handle %d", mwerr.ErrNotFound, handle)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	return nil
}

func (t *WSTransport) SetOnData(fn func(handle int, data []byte)) { t.onData = fn }
func (t *WSTransport) SetOnConnect(fn func(handle int))           { t.onConnect = fn }
func (t *WSTransport) SetOnDisconnect(fn func(handle int))        { t.onDisconnect = fn }

// Close closes every open websocket connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for h, conn := range t.conns {
		if err := conn.Close(websocket.StatusNormalClosure, "transport closing"); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, h)
	}
	return firstErr
}
