package ctl

import (
	"context"
	"testing"
	"time"

	"github.com/basket/mwcore/internal/mapper"
	"github.com/basket/mwcore/internal/registry"
)

type fakeStats struct {
	eps     []*registry.LocalEndpoint
	maps    []*mapper.Mapping
	denied  uint64
}

func (f *fakeStats) Endpoints() []*registry.LocalEndpoint { return f.eps }
func (f *fakeStats) Mappings() []*mapper.Mapping          { return f.maps }
func (f *fakeStats) DeniedCount() uint64                  { return f.denied }

func TestApprovalFlowApprove(t *testing.T) {
	s := New(Config{ApprovalTimeout: time.Second}, nil)

	approveCh := make(chan bool, 1)
	go func() {
		approved, err := s.RequestApproval(context.Background(), "unmap.force", "ep1 @ 1.2.3.4")
		if err != nil {
			t.Errorf("RequestApproval: %v", err)
			return
		}
		approveCh <- approved
	}()

	var approvalID string
	for i := 0; i < 100; i++ {
		pending := s.PendingApprovals()
		if len(pending) == 1 {
			approvalID = pending[0].ID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if approvalID == "" {
		t.Fatal("approval request never became visible via PendingApprovals")
	}

	if err := s.RespondToApproval(approvalID, "approve"); err != nil {
		t.Fatalf("RespondToApproval: %v", err)
	}

	select {
	case approved := <-approveCh:
		if !approved {
			t.Fatal("expected approval to be granted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestApproval never returned")
	}
}

func TestApprovalTimeoutAutoDenies(t *testing.T) {
	s := New(Config{ApprovalTimeout: 10 * time.Millisecond}, nil)

	approved, err := s.RequestApproval(context.Background(), "unmap.force", "ep1 @ 1.2.3.4")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if approved {
		t.Fatal("expected auto-deny on timeout")
	}
}

func TestRespondToApprovalRejectsUnknownID(t *testing.T) {
	s := New(Config{}, nil)
	if err := s.RespondToApproval("nope", "approve"); err == nil {
		t.Fatal("expected error for unknown approval id")
	}
}

func TestRespondToApprovalRejectsBadDecision(t *testing.T) {
	s := New(Config{}, nil)
	s.approvals["a1"] = &approvalRequest{ID: "a1", Status: "PENDING", done: make(chan struct{})}
	if err := s.RespondToApproval("a1", "maybe"); err == nil {
		t.Fatal("expected error for invalid decision")
	}
}

func TestHandleRPCStatsMethods(t *testing.T) {
	stats := &fakeStats{denied: 7}
	s := New(Config{Stats: stats}, nil)

	resp := s.handleRPC(context.Background(), &client{}, rpcRequest{
		JSONRPC: "2.0", ID: []byte(`1`), Method: "stats.denied_count",
	})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["denied_count"] != uint64(7) {
		t.Fatalf("result = %+v", resp.Result)
	}
}

func TestHandleRPCUnmapRequiresHandshake(t *testing.T) {
	s := New(Config{}, nil)
	resp := s.handleRPC(context.Background(), &client{}, rpcRequest{
		JSONRPC: "2.0", ID: []byte(`1`), Method: "unmap.force",
		Params: []byte(`{"local_endpoint_id":"ep1","address":"1.2.3.4"}`),
	})
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected unauthorized error, got %+v", resp)
	}
	if resp.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("error code = %d, want %d", resp.Error.Code, ErrCodeUnauthorized)
	}
}

func TestHandleRPCUnknownMethod(t *testing.T) {
	s := New(Config{}, nil)
	resp := s.handleRPC(context.Background(), &client{}, rpcRequest{
		JSONRPC: "2.0", ID: []byte(`1`), Method: "bogus.method",
	})
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}
