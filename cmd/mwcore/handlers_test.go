package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/mwcore/internal/codec"
	"github.com/basket/mwcore/internal/config"
	"github.com/basket/mwcore/internal/connstate"
	"github.com/basket/mwcore/internal/dispatch"
	"github.com/basket/mwcore/internal/mapper"
	"github.com/basket/mwcore/internal/registry"
	"github.com/basket/mwcore/internal/router"
	"github.com/basket/mwcore/internal/streamep"
	"github.com/basket/mwcore/internal/syncwait"
	"github.com/basket/mwcore/internal/transport"
	"github.com/basket/mwcore/internal/wire"
)

// loopTransport is a test double standing in for a real transport plug-in:
// Send doesn't cross any wire, it hands the frame straight back to the
// module's own onData callback, playing the part of an instantly-acking
// peer (MAP replied to with MAP_ACK; everything else echoed verbatim) so a
// single connection models a full round trip back to the same core.
type loopTransport struct {
	mu           sync.Mutex
	onData       func(handle int, data []byte)
	nextHandle   int
}

func newLoopTransport() *loopTransport { return &loopTransport{} }

func (t *loopTransport) Connect(_ context.Context, _ string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	return t.nextHandle, nil
}

func (t *loopTransport) Send(handle int, data []byte) error {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	reply := e
	if e.Status == wire.StatusMAP {
		reply = envelope{Status: wire.StatusMAPACK}
	}
	go func() {
		out, _ := json.Marshal(reply)
		t.mu.Lock()
		onData := t.onData
		t.mu.Unlock()
		if onData != nil {
			onData(handle, out)
		}
	}()
	return nil
}

func (t *loopTransport) SetOnData(fn func(handle int, data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onData = fn
}
func (t *loopTransport) SetOnConnect(func(int))    {}
func (t *loopTransport) SetOnDisconnect(func(int)) {}
func (t *loopTransport) Close() error              { return nil }

var _ transport.Module = (*loopTransport)(nil)

// newTestCore builds a Core with only the subsystems registerHandlers'
// closures touch -- the ctl/obs/accessplugin/rdcstore stack newCore also
// wires is irrelevant to the dispatch-glue question this test is after.
func newTestCore(t *testing.T) *Core {
	t.Helper()
	reg := registry.NewRegistry("test", registry.NewIDGenerator())
	pipes := streamep.NewRegistry()
	mapperTbl := mapper.NewTable()
	rtr := router.New(reg, pipes, nil)

	c := &Core{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:         config.Config{BlockingTimeout: config.Duration(2 * time.Second)},
		registry:    reg,
		mapperTbl:   mapperTbl,
		pipes:       pipes,
		rtr:         rtr,
		sync:        syncwait.New(),
		transports:  make(map[string]transport.Module),
		connStates:  make(map[string]map[int]*connstate.Conn),
	}
	c.dispatchTbl = dispatch.NewTable()
	c.registerHandlers()
	c.registerTransport("loop", newLoopTransport(), false)
	return c
}

func dispatchFrame(t *testing.T, c *Core, functionID string, rt wire.ReturnKind, arg any) *dispatch.Reply {
	t.Helper()
	body, err := json.Marshal(arg)
	if err != nil {
		t.Fatalf("marshal arg: %v", err)
	}
	reply, err := c.dispatchTbl.Dispatch(context.Background(), codec.CommandFrame{
		ModuleID:   "core",
		FunctionID: functionID,
		ReturnType: rt,
		MsgID:      "0000000001",
		Args:       [][]byte{body},
	})
	if err != nil {
		t.Fatalf("dispatch %s: %v", functionID, err)
	}
	return reply
}

func intReply(t *testing.T, reply *dispatch.Reply) int {
	t.Helper()
	if reply == nil || len(reply.Frame.Args) == 0 {
		t.Fatalf("expected an int reply")
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(reply.Frame.Args[0])))
	if err != nil {
		t.Fatalf("decode int reply %q: %v", reply.Frame.Args[0], err)
	}
	return n
}

// TestDispatchEndToEnd drives register_endpoint -> map_module ->
// ep_send_message -> ep_fetch_message entirely through the dispatch table,
// the way a component's CMD frames would, to exercise the handler
// registration registerHandlers installs rather than any one subsystem in
// isolation.
func TestDispatchEndToEnd(t *testing.T) {
	c := newTestCore(t)

	regReply := dispatchFrame(t, c, "register_endpoint", wire.ReturnInt, map[string]any{
		"ep_id":   "epB",
		"name":    "loopback endpoint",
		"kind":    string(wire.KindSNK),
		"queuing": true,
	})
	if status := intReply(t, regReply); status != 0 {
		t.Fatalf("register_endpoint returned status %d", status)
	}
	if _, ok := c.registry.Get("epB"); !ok {
		t.Fatalf("endpoint epB not registered")
	}

	mapReply := dispatchFrame(t, c, "map_module", wire.ReturnInt, map[string]any{
		"ep_id":     "epB",
		"module":    "loop",
		"address":   "loop-peer",
		"ep_query":  []string{"epB"},
		"cpt_query": []string{},
	})
	handle := intReply(t, mapReply)
	if handle <= 0 {
		t.Fatalf("map_module returned handle %d, want > 0", handle)
	}
	if c.mapperTbl.Count("epB") != 1 {
		t.Fatalf("expected one live mapping for epB, got %d", c.mapperTbl.Count("epB"))
	}

	sendReply := dispatchFrame(t, c, "ep_send_message", wire.ReturnVoi, map[string]any{
		"ep_id": "epB",
		"body":  json.RawMessage(`{"hello":"world"}`),
	})
	if sendReply != nil {
		t.Fatalf("ep_send_message (voi) produced a reply frame")
	}

	fetchReply := dispatchFrame(t, c, "ep_fetch_message", wire.ReturnMsg, map[string]any{
		"ep_id": "epB",
	})
	if fetchReply == nil || len(fetchReply.Frame.Args) == 0 {
		t.Fatalf("ep_fetch_message returned no body")
	}
	var got map[string]string
	if err := json.Unmarshal(fetchReply.Frame.Args[0], &got); err != nil {
		t.Fatalf("unmarshal fetched body: %v", err)
	}
	if got["hello"] != "world" {
		t.Fatalf("fetched message body = %v, want hello=world", got)
	}
}

// TestDispatchUnmapIsIdempotent exercises unmap/unmap_all through the same
// dispatch path, matching the count-returned / zero-on-no-match contract
// mapper.Table documents.
func TestDispatchUnmapIsIdempotent(t *testing.T) {
	c := newTestCore(t)

	dispatchFrame(t, c, "register_endpoint", wire.ReturnInt, map[string]any{
		"ep_id": "epC", "kind": string(wire.KindSNK), "queuing": true,
	})
	mapReply := dispatchFrame(t, c, "map_module", wire.ReturnInt, map[string]any{
		"ep_id": "epC", "module": "loop", "address": "loop-peer-2", "ep_query": []string{"epC"},
	})
	if intReply(t, mapReply) <= 0 {
		t.Fatalf("map_module failed")
	}

	unmapReply := dispatchFrame(t, c, "unmap_all", wire.ReturnInt, map[string]any{"ep_id": "epC"})
	if n := intReply(t, unmapReply); n != 1 {
		t.Fatalf("unmap_all marked %d mappings, want 1", n)
	}

	again := dispatchFrame(t, c, "unmap_all", wire.ReturnInt, map[string]any{"ep_id": "epC"})
	if n := intReply(t, again); n != 0 {
		t.Fatalf("second unmap_all marked %d mappings, want 0 (idempotent)", n)
	}
}

// TestRegisterHandlersIsComplete guards against registerHandlers silently
// missing one of the dispatch.CanonicalNames entries.
func TestRegisterHandlersIsComplete(t *testing.T) {
	c := newTestCore(t)
	for _, n := range dispatch.CanonicalNames {
		if !c.dispatchTbl.Has("core", n.Function, n.Return) {
			t.Errorf("registerHandlers: no handler registered for %q (%s)", n.Function, n.Return)
		}
	}
}
