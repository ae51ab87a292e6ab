// Package ctl implements the core's debug/control channel: a secondary
// websocket JSON-RPC endpoint, separate from the component-facing
// socketpair protocol, that lets `mwctl` inspect live state and, for a
// small set of mutating methods, request operator approval before acting.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/mwcore/internal/mapper"
	"github.com/basket/mwcore/internal/registry"
)

// JSON-RPC 2.0 reserved error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
)

// Domain-specific error codes.
const (
	ErrCodeUnauthorized = 1000
	ErrCodeInvalidParam = 1001
)

// Stats is the subset of live core state the control channel reports,
// supplied by the caller on each request since ctl does not own any of
// this state itself.
type Stats interface {
	Endpoints() []*registry.LocalEndpoint
	Mappings() []*mapper.Mapping
	DeniedCount() uint64
}

// Config configures the Server.
type Config struct {
	Stats Stats
	// AuthToken, if set, is required as a bearer token on every connection.
	AuthToken string
	// AllowOrigins is passed straight through to websocket.AcceptOptions.
	AllowOrigins []string
	// ApprovalTimeout bounds how long a mutating request waits for operator
	// approval before auto-denying; defaults to 60s.
	ApprovalTimeout time.Duration
	Logger          *slog.Logger
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
}

type approvalRequest struct {
	ID        string
	Action    string
	Details   string
	Status    string
	CreatedAt time.Time
	done      chan struct{}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// UnmapFunc is called when an operator-approved unmap.force request lands.
type UnmapFunc func(localEndpointID, address string) int

// Server is the control-channel websocket endpoint.
type Server struct {
	cfg    Config
	logger *slog.Logger
	unmap  UnmapFunc

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	approvalsMu sync.Mutex
	approvals   map[string]*approvalRequest
}

// New creates a Server. unmap wires unmap.force requests back into the
// mapper, once approved; it may be nil to disable that one mutating
// method.
func New(cfg Config, unmap UnmapFunc) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		unmap:     unmap,
		clients:   map[*client]struct{}{},
		approvals: map[string]*approvalRequest{},
	}
}

// Handler mounts the control channel's websocket upgrade endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleWS
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ctl: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ctl: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		if req.Method == "unmap.force" {
			// unmap.force blocks until an operator decides; serve it off the
			// read loop so approvals.respond on this connection is still read.
			go func(req rpcRequest) {
				if resp := s.handleRPC(r.Context(), c, req); resp != nil {
					if err := c.write(r.Context(), resp); err != nil {
						s.logger.Error("ctl: write error", "method", req.Method, "error", err)
					}
				}
			}(req)
			continue
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ctl: write error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return got == s.cfg.AuthToken
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	var id any
	_ = json.Unmarshal(req.ID, &id)

	reply := func(result any, rpcErr *rpcError) *rpcResponse {
		if req.ID == nil {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	}

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return reply(map[string]any{"ok": true}, nil)

	case "endpoints.list":
		if s.cfg.Stats == nil {
			return reply([]any{}, nil)
		}
		eps := s.cfg.Stats.Endpoints()
		out := make([]map[string]any, 0, len(eps))
		for _, ep := range eps {
			out = append(out, map[string]any{
				"id":   ep.ID,
				"kind": string(ep.Kind),
			})
		}
		return reply(out, nil)

	case "mappings.list":
		if s.cfg.Stats == nil {
			return reply([]any{}, nil)
		}
		ms := s.cfg.Stats.Mappings()
		out := make([]map[string]any, 0, len(ms))
		for _, m := range ms {
			out = append(out, map[string]any{
				"handle":           m.Handle,
				"local_endpoint":   m.LocalEndpointID,
				"module":           m.Module,
				"address":          m.Address,
				"pending_teardown": m.PendingTeardown,
			})
		}
		return reply(out, nil)

	case "stats.denied_count":
		var denied uint64
		if s.cfg.Stats != nil {
			denied = s.cfg.Stats.DeniedCount()
		}
		return reply(map[string]any{"denied_count": denied}, nil)

	case "unmap.force":
		if !c.isHandshaken() {
			return reply(nil, &rpcError{Code: ErrCodeUnauthorized, Message: "system.hello required before mutating calls"})
		}
		var params struct {
			LocalEndpointID string `json:"local_endpoint_id"`
			Address         string `json:"address"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.LocalEndpointID == "" || params.Address == "" {
			return reply(nil, &rpcError{Code: ErrCodeInvalidParam, Message: "local_endpoint_id and address are required"})
		}
		approved, err := s.RequestApproval(ctx, "unmap.force", fmt.Sprintf("%s @ %s", params.LocalEndpointID, params.Address))
		if err != nil {
			return reply(nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()})
		}
		if !approved {
			return reply(map[string]any{"approved": false}, nil)
		}
		if s.unmap == nil {
			return reply(nil, &rpcError{Code: ErrCodeInternal, Message: "unmap is not wired on this server"})
		}
		n := s.unmap(params.LocalEndpointID, params.Address)
		return reply(map[string]any{"approved": true, "unmapped": n}, nil)

	case "approvals.respond":
		var params struct {
			ApprovalID string `json:"approval_id"`
			Decision   string `json:"decision"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return reply(nil, &rpcError{Code: ErrCodeInvalidParam, Message: "invalid params"})
		}
		if err := s.RespondToApproval(params.ApprovalID, params.Decision); err != nil {
			return reply(nil, &rpcError{Code: ErrCodeInvalidParam, Message: err.Error()})
		}
		return reply(map[string]any{"ok": true}, nil)

	default:
		return reply(nil, &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

// ApprovalSummary is the client-facing view of a pending approval request.
type ApprovalSummary struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingApprovals lists every approval request still awaiting a decision.
func (s *Server) PendingApprovals() []ApprovalSummary {
	s.approvalsMu.Lock()
	defer s.approvalsMu.Unlock()
	var out []ApprovalSummary
	for _, a := range s.approvals {
		if a.Status == "PENDING" {
			out = append(out, ApprovalSummary{ID: a.ID, Action: a.Action, Status: a.Status, CreatedAt: a.CreatedAt})
		}
	}
	return out
}

// RespondToApproval records an operator decision against a pending
// approval request, used by mwctl's TUI approve/deny keybindings.
func (s *Server) RespondToApproval(approvalID, decision string) error {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != "approve" && decision != "deny" {
		return fmt.Errorf("decision must be approve or deny")
	}
	s.approvalsMu.Lock()
	record, ok := s.approvals[approvalID]
	if !ok {
		s.approvalsMu.Unlock()
		return fmt.Errorf("approval request %q not found", approvalID)
	}
	if decision == "approve" {
		record.Status = "APPROVED"
	} else {
		record.Status = "DENIED"
	}
	select {
	case <-record.done:
	default:
		close(record.done)
	}
	s.approvalsMu.Unlock()
	s.broadcast("approval.updated", map[string]any{"approval_id": approvalID, "status": record.Status})
	return nil
}

const defaultApprovalTimeout = 60 * time.Second

// RequestApproval creates a pending approval request, broadcasts it to
// every connected mwctl client, and blocks until an operator responds, the
// timeout elapses (auto-deny), or ctx is cancelled.
func (s *Server) RequestApproval(ctx context.Context, action, details string) (bool, error) {
	approvalID := uuid.NewString()
	record := &approvalRequest{
		ID:        approvalID,
		Action:    action,
		Details:   details,
		Status:    "PENDING",
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.approvalsMu.Lock()
	s.approvals[approvalID] = record
	s.approvalsMu.Unlock()

	s.broadcast("approval.required", map[string]any{
		"approval_id": approvalID,
		"action":      record.Action,
		"details":     record.Details,
		"status":      record.Status,
		"created_at":  record.CreatedAt,
	})
	go s.approvalTimeoutDeny(approvalID)

	select {
	case <-record.done:
		s.approvalsMu.Lock()
		approved := record.Status == "APPROVED"
		s.approvalsMu.Unlock()
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Server) approvalTimeout() time.Duration {
	if s.cfg.ApprovalTimeout > 0 {
		return s.cfg.ApprovalTimeout
	}
	return defaultApprovalTimeout
}

func (s *Server) approvalTimeoutDeny(approvalID string) {
	time.Sleep(s.approvalTimeout())
	s.approvalsMu.Lock()
	record, ok := s.approvals[approvalID]
	if !ok || record.Status != "PENDING" {
		s.approvalsMu.Unlock()
		return
	}
	record.Status = "DENIED"
	select {
	case <-record.done:
	default:
		close(record.done)
	}
	s.approvalsMu.Unlock()
	s.broadcast("approval.updated", map[string]any{"approval_id": approvalID, "status": "DENIED"})
	s.logger.Info("ctl: approval auto-denied on timeout", "approval_id", approvalID)
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
			s.logger.Error("ctl: broadcast write error", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}
