package router

import (
	"testing"

	"github.com/basket/mwcore/internal/registry"
	"github.com/basket/mwcore/internal/streamep"
	"github.com/basket/mwcore/internal/wire"
)

type recordingAudit struct {
	calls []string
}

func (a *recordingAudit) Record(decision, endpointID, reason, subject string) {
	a.calls = append(a.calls, decision+":"+endpointID+":"+reason+":"+subject)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.NewRegistry("testapp", registry.NewIDGenerator())
}

func TestRoutePushDeliversToHandler(t *testing.T) {
	reg := newTestRegistry(t)
	var delivered wire.Message
	lep, err := reg.Register(registry.Endpoint{
		Kind:    wire.KindSNK,
		Handler: func(m wire.Message) { delivered = m },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := New(reg, streamep.NewRegistry(), nil)
	msg := wire.Message{Status: wire.StatusMSG, Body: []byte("hello")}
	if err := r.Route(lep, msg, "anyone"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if string(delivered.Body) != "hello" {
		t.Fatalf("handler did not receive the message, got %q", delivered.Body)
	}
}

func TestRoutePullEnqueues(t *testing.T) {
	reg := newTestRegistry(t)
	lep, err := reg.Register(registry.Endpoint{Kind: wire.KindSNK, Queuing: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := New(reg, streamep.NewRegistry(), nil)

	if err := r.Route(lep, wire.Message{Status: wire.StatusMSG, Body: []byte("x")}, "anyone"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if lep.MoreMessages() != 1 {
		t.Fatalf("expected 1 queued message, got %d", lep.MoreMessages())
	}
}

func TestRouteFilterDropsNonMatching(t *testing.T) {
	reg := newTestRegistry(t)
	var delivered bool
	lep, err := reg.Register(registry.Endpoint{Kind: wire.KindSNK, Handler: func(wire.Message) { delivered = true }})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	lep.AddFilter(registry.Filter{Expr: "never", Matches: func([]byte) bool { return false }})

	r := New(reg, streamep.NewRegistry(), nil)
	if err := r.Route(lep, wire.Message{Status: wire.StatusMSG, Body: []byte("x")}, "anyone"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if delivered {
		t.Fatal("message should have been dropped by the filter")
	}
}

func TestRouteAccessDeniedIncrementsCounterAndAudits(t *testing.T) {
	reg := newTestRegistry(t)
	var delivered bool
	lep, err := reg.Register(registry.Endpoint{Kind: wire.KindSNK, Handler: func(wire.Message) { delivered = true }})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	lep.SetAccess([]string{"allowed-subject"})

	audit := &recordingAudit{}
	r := New(reg, streamep.NewRegistry(), audit)
	if err := r.Route(lep, wire.Message{Status: wire.StatusMSG, Body: []byte("x")}, "intruder"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if delivered {
		t.Fatal("message should have been denied")
	}
	if r.DeniedCount() != 1 {
		t.Fatalf("DeniedCount = %d, want 1", r.DeniedCount())
	}
	if len(audit.calls) != 1 {
		t.Fatalf("expected one audit record, got %v", audit.calls)
	}
}

func TestRouteStreamSnkBypassesFilters(t *testing.T) {
	reg := newTestRegistry(t)
	lep, err := reg.Register(registry.Endpoint{Kind: wire.KindSTRSNK})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// a filter that would reject everything, proving STR_SNK bypasses it
	lep.AddFilter(registry.Filter{Expr: "never", Matches: func([]byte) bool { return false }})

	pipes := streamep.NewRegistry()
	pipe, err := pipes.Open(lep.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	readDone := make(chan []byte, 1)
	go func() {
		got, _ := pipe.ReadAll()
		readDone <- got
	}()

	r := New(reg, pipes, nil)
	if err := r.Route(lep, wire.Message{Status: wire.StatusSTREAM, Body: []byte("streamed")}, "anyone"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	pipes.Close(lep.ID)

	if got := <-readDone; string(got) != "streamed" {
		t.Fatalf("pipe received %q, want %q", got, "streamed")
	}
}

func TestStreamCmdOpensAndClosesPipe(t *testing.T) {
	reg := newTestRegistry(t)
	lep, err := reg.Register(registry.Endpoint{Kind: wire.KindSTRSRC})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	pipes := streamep.NewRegistry()
	r := New(reg, pipes, nil)

	if err := r.Route(lep, wire.Message{Status: wire.StatusSTREAMCMD, Body: []byte{1}}, "anyone"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if lep.StreamPath == "" {
		t.Fatal("expected StreamPath to be populated after STREAM_CMD open")
	}
	if _, ok := pipes.Get(lep.ID); !ok {
		t.Fatal("expected a pipe to be open")
	}

	if err := r.Route(lep, wire.Message{Status: wire.StatusSTREAMCMD, Body: []byte{0}}, "anyone"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if lep.StreamPath != "" {
		t.Fatal("expected StreamPath to be cleared after STREAM_CMD close")
	}
	if _, ok := pipes.Get(lep.ID); ok {
		t.Fatal("expected the pipe to be closed")
	}
}

func TestResponseRoutingRespLastRemovesPendingEntry(t *testing.T) {
	reg := newTestRegistry(t)
	var got []wire.Message
	lep, err := reg.Register(registry.Endpoint{Kind: wire.KindREQ, Handler: func(m wire.Message) { got = append(got, m) }})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := New(reg, streamep.NewRegistry(), nil)
	r.RegisterPendingRequest("msg0000001", lep)

	if err := r.Route(lep, wire.Message{Status: wire.StatusRESPNEXT, ResponseID: "msg0000001", Body: []byte("1")}, "anyone"); err != nil {
		t.Fatalf("RESP_NEXT: %v", err)
	}
	if err := r.Route(lep, wire.Message{Status: wire.StatusRESPLAST, ResponseID: "msg0000001", Body: []byte("2")}, "anyone"); err != nil {
		t.Fatalf("RESP_LAST: %v", err)
	}
	// a RESP_NEXT arriving after RESP_LAST for the same id must be dropped
	if err := r.Route(lep, wire.Message{Status: wire.StatusRESPNEXT, ResponseID: "msg0000001", Body: []byte("3")}, "anyone"); err != nil {
		t.Fatalf("late RESP_NEXT: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected exactly 2 delivered responses, got %d: %v", len(got), got)
	}
	if string(got[0].Body) != "1" || string(got[1].Body) != "2" {
		t.Fatalf("unexpected response bodies: %v", got)
	}
}

func TestResponseRoutingUnknownIDIsDropped(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, streamep.NewRegistry(), nil)
	lep, _ := reg.Register(registry.Endpoint{Kind: wire.KindREQ})
	_ = lep
	if err := r.Route(nil, wire.Message{Status: wire.StatusRESPNEXT, ResponseID: "nope"}, "anyone"); err != nil {
		t.Fatalf("expected nil error dropping an unknown response id, got %v", err)
	}
}
