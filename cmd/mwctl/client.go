// Command mwctl is the operator CLI/TUI for internal/ctl's debug/control
// channel: it lists live endpoints and mappings, reports the access-denied
// counter, and lets an operator approve or deny a pending unmap.force
// request.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// rpcRequest/rpcResponse mirror internal/ctl's wire shapes on the client
// side; mwctl never depends on internal/ctl directly, so the two packages
// only ever need to agree on JSON.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// endpointRow and mappingRow are the client-side views of ctl's
// endpoints.list/mappings.list results.
type endpointRow struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type mappingRow struct {
	Handle          int    `json:"handle"`
	LocalEndpoint   string `json:"local_endpoint"`
	Module          string `json:"module"`
	Address         string `json:"address"`
	PendingTeardown bool   `json:"pending_teardown"`
}

type approvalNotice struct {
	ApprovalID string `json:"approval_id"`
	Action     string `json:"action"`
	Details    string `json:"details"`
	Status     string `json:"status"`
}

// ctlClient is a minimal JSON-RPC-over-websocket client for internal/ctl.
// A single readLoop goroutine owns every read off the connection; call()
// never reads directly, avoiding two goroutines racing on the same
// websocket.Conn.
type ctlClient struct {
	conn    *websocket.Conn
	token   string
	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int
	pending   map[int]chan rpcResponse
	approvals chan approvalNotice
}

func dialCtl(ctx context.Context, url, token string) (*ctlClient, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial ctl channel: %w", err)
	}
	c := &ctlClient{
		conn:      conn,
		token:     token,
		pending:   make(map[int]chan rpcResponse),
		approvals: make(chan approvalNotice, 16),
	}
	go c.readLoop()
	return c, nil
}

// readLoop drains the connection, routing unsolicited notifications
// (approval.required/approval.updated) to c.approvals and replies to the
// waiting call() by request id.
func (c *ctlClient) readLoop() {
	for {
		var resp rpcResponse
		if err := wsjson.Read(context.Background(), c.conn, &resp); err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = nil
			c.mu.Unlock()
			close(c.approvals)
			return
		}
		if resp.Method == "approval.required" || resp.Method == "approval.updated" {
			var a approvalNotice
			if err := json.Unmarshal(resp.Params, &a); err == nil {
				select {
				case c.approvals <- a:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *ctlClient) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	if c.pending == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: connection closed", method)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := wsjson.Write(ctx, c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed while waiting for reply", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: timed out waiting for reply", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ctlClient) hello(ctx context.Context) error {
	return c.call(ctx, "system.hello", nil, nil)
}

func (c *ctlClient) endpoints(ctx context.Context) ([]endpointRow, error) {
	var rows []endpointRow
	err := c.call(ctx, "endpoints.list", nil, &rows)
	return rows, err
}

func (c *ctlClient) mappings(ctx context.Context) ([]mappingRow, error) {
	var rows []mappingRow
	err := c.call(ctx, "mappings.list", nil, &rows)
	return rows, err
}

func (c *ctlClient) deniedCount(ctx context.Context) (uint64, error) {
	var out struct {
		DeniedCount uint64 `json:"denied_count"`
	}
	err := c.call(ctx, "stats.denied_count", nil, &out)
	return out.DeniedCount, err
}

func (c *ctlClient) respondApproval(ctx context.Context, approvalID, decision string) error {
	return c.call(ctx, "approvals.respond", map[string]string{
		"approval_id": approvalID,
		"decision":    decision,
	}, nil)
}

func (c *ctlClient) close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
