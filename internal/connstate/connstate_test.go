package connstate

import (
	"testing"

	"github.com/basket/mwcore/internal/wire"
)

func TestNonBridgeStartsInMAP(t *testing.T) {
	c := New("rest", 1, false, Hooks{})
	if c.State() != wire.StateMAP {
		t.Fatalf("non-bridge connection should start in MAP, got %s", c.State())
	}
}

func TestBridgeHandshakeToOperational(t *testing.T) {
	var sent []wire.Status
	var becameOperational bool
	var mapped bool

	c := New("tcp", 1, true, Hooks{
		SendProto: func(status wire.Status, payload []byte) error {
			sent = append(sent, status)
			return nil
		},
		Challenge:        func() error { return nil },
		VerifyCredential: func(cred []byte) bool { return true },
		OnOperational:    func() { becameOperational = true },
		OnMapCreated:     func() { mapped = true },
	})

	if err := c.HandleProto(wire.StatusHELLO, nil); err != nil {
		t.Fatalf("HELLO: %v", err)
	}
	if c.State() != wire.StateHELLO2 {
		t.Fatalf("expected HELLO_2, got %s", c.State())
	}

	if err := c.HandleProto(wire.StatusHELLOACK, nil); err != nil {
		t.Fatalf("HELLO_ACK: %v", err)
	}
	if c.State() != wire.StateAUTH {
		t.Fatalf("expected AUTH, got %s", c.State())
	}

	if err := c.HandleProto(wire.StatusAUTHACK, nil); err != nil {
		t.Fatalf("AUTH_ACK: %v", err)
	}
	am, is := c.AuthFlags()
	if !am || is {
		t.Fatalf("expected am_auth=true is_auth=false after AUTH_ACK alone, got am=%v is=%v", am, is)
	}

	if err := c.HandleProto(wire.StatusAUTH, []byte("cred")); err != nil {
		t.Fatalf("AUTH: %v", err)
	}
	am, is = c.AuthFlags()
	if !am || !is {
		t.Fatalf("expected both auth flags true, got am=%v is=%v", am, is)
	}
	if !becameOperational {
		t.Fatal("OnOperational should have fired once both auth flags were set")
	}
	if c.State() != wire.StateMAP {
		t.Fatalf("expected MAP after both auth flags set, got %s", c.State())
	}

	if err := c.HandleProto(wire.StatusMAP, nil); err != nil {
		t.Fatalf("MAP: %v", err)
	}
	if c.State() != wire.StateEXTMSG {
		t.Fatalf("expected EXT_MSG after MAP, got %s", c.State())
	}
	if !mapped {
		t.Fatal("OnMapCreated should have fired")
	}
	if len(sent) == 0 || sent[len(sent)-1] != wire.StatusMAPACK {
		t.Fatalf("expected a MAP_ACK reply, got %v", sent)
	}
	if !c.Operational() {
		t.Fatal("connection should be operational in EXT_MSG")
	}
}

func TestUnexpectedStatusDroppedSilently(t *testing.T) {
	c := New("tcp", 1, true, Hooks{})
	if err := c.HandleProto(wire.StatusMAPACK, nil); err != nil {
		t.Fatalf("unexpected status should be dropped without error, got %v", err)
	}
	if c.State() != wire.StateHELLOS {
		t.Fatalf("state should not change on an unexpected status, got %s", c.State())
	}
}

func TestUnmapTearsDownAndCloses(t *testing.T) {
	var unmapped, closed bool
	var lastSend wire.Status
	c := New("tcp", 1, true, Hooks{
		SendProto:      func(status wire.Status, payload []byte) error { lastSend = status; return nil },
		OnUnmapped:     func() { unmapped = true },
		CloseTransport: func() error { closed = true; return nil },
	})
	// fast-forward to EXT_MSG by direct field manipulation via the public API
	c.state = wire.StateEXTMSG

	if err := c.HandleProto(wire.StatusUNMAP, nil); err != nil {
		t.Fatalf("UNMAP: %v", err)
	}
	if !unmapped || !closed {
		t.Fatalf("expected unmap and close hooks to fire, got unmapped=%v closed=%v", unmapped, closed)
	}
	if lastSend != wire.StatusUNMAPACK {
		t.Fatalf("expected UNMAP_ACK reply, got %s", lastSend)
	}
}

func TestComponentChannelSessionKey(t *testing.T) {
	var closed bool
	c := NewComponentChannel(Hooks{
		VerifySessionKey: func(presented []byte) bool { return string(presented) == "secret" },
		CloseTransport:   func() error { closed = true; return nil },
	})

	if err := c.FirstMessage([]byte("wrong")); err != nil {
		t.Fatalf("FirstMessage: %v", err)
	}
	if c.State() != wire.StateCLOSED || !closed {
		t.Fatalf("wrong session key should close the connection, state=%s closed=%v", c.State(), closed)
	}

	c2 := NewComponentChannel(Hooks{VerifySessionKey: func(presented []byte) bool { return string(presented) == "secret" }})
	if err := c2.FirstMessage([]byte("secret")); err != nil {
		t.Fatalf("FirstMessage: %v", err)
	}
	if c2.State() != wire.StateAPPMSG {
		t.Fatalf("correct session key should move to APP_MSG, got %s", c2.State())
	}
}
