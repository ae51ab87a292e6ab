// Package connstate implements the per-connection protocol state machine:
// the HELLO/AUTH/MAP handshake for bridge transports, the non-bridge
// shortcut straight to MAP, and the component channel's FIRST_MSG/APP_MSG
// session-key presentation.
package connstate

import (
	"fmt"
	"sync"

	"github.com/basket/mwcore/internal/wire"
)

// Hooks are the side effects a Conn triggers as it transitions. All fields
// are optional; a nil hook is a no-op (useful in tests that only exercise
// the state table).
type Hooks struct {
	// SendProto sends a protocol-phase frame to the peer.
	SendProto func(status wire.Status, payload []byte) error
	// Challenge invokes the access-control plug-in's challenge step. The
	// plug-in's own logic lives behind the sandbox; this hook is just where
	// the core calls into it.
	Challenge func() error
	// VerifyCredential checks a peer-presented AUTH credential.
	VerifyCredential func(credential []byte) bool
	// OwnCredential produces this side's AUTH credential to present.
	OwnCredential func() []byte
	// OnOperational fires once both am_auth and is_auth hold (or
	// immediately, for a non-bridge transport), right before the callback
	// swaps to on_message and MAP begins.
	OnOperational func()
	// OnMapCreated fires when this connection completes a MAP exchange.
	OnMapCreated func()
	// OnUnmapped fires when an UNMAP is processed; the transport should be
	// closed after this returns.
	OnUnmapped func()
	// CloseTransport tears down the underlying transport connection.
	CloseTransport func() error
	// VerifySessionKey checks the session key presented as the very first
	// bytes on the component channel against the one the core was launched
	// with.
	VerifySessionKey func(presented []byte) bool
	// Manifest produces this side's local manifest, sent as the HELLO_ACK
	// payload.
	Manifest func() []byte
	// OnRemoteManifest receives the peer's manifest carried on the inbound
	// HELLO_ACK payload, backing get_remote_manif.
	OnRemoteManifest func(payload []byte)
}

// Conn is one open transport connection's protocol state.
type Conn struct {
	mu sync.Mutex

	Module string
	Handle int
	Bridge bool // false = non-bridge (direct external world), skips handshake

	state  wire.ConnState
	amAuth bool
	isAuth bool

	hooks Hooks
}

// New creates a Conn in its initial state. Bridge transports start in
// HELLO_S (awaiting a HELLO); non-bridge transports skip authentication and
// start directly in MAP.
func New(module string, handle int, bridge bool, hooks Hooks) *Conn {
	c := &Conn{Module: module, Handle: handle, Bridge: bridge, hooks: hooks}
	if bridge {
		c.state = wire.StateHELLOS
	} else {
		c.state = wire.StateMAP
	}
	return c
}

// NewComponentChannel creates the Conn representing the core's own
// component-channel connection, which starts in FIRST_MSG awaiting the
// session key.
func NewComponentChannel(hooks Hooks) *Conn {
	return &Conn{Module: "sockpair", Bridge: false, state: wire.StateFIRSTMSG, hooks: hooks}
}

// State returns the connection's current protocol state.
func (c *Conn) State() wire.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AuthFlags returns (am_auth, is_auth).
func (c *Conn) AuthFlags() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amAuth, c.isAuth
}

// Operational reports whether the connection has left the handshake phase
// and is ready for MSG/REQ/RESP/STREAM routing.
func (c *Conn) Operational() bool {
	s := c.State()
	return s == wire.StateEXTMSG || s == wire.StateAPPMSG
}

func (c *Conn) call(f func() error) error {
	if f == nil {
		return nil
	}
	return f()
}

func (c *Conn) notify(f func()) {
	if f != nil {
		f()
	}
}

// HandleProto processes one protocol-phase message, applying the handshake
// transition table. Unexpected (state, status) pairs are dropped silently
// (the caller is expected to log).
func (c *Conn) HandleProto(status wire.Status, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == wire.StateHELLOS && status == wire.StatusHELLO:
		c.state = wire.StateHELLO2
		var manifest []byte
		if c.hooks.Manifest != nil {
			manifest = c.hooks.Manifest()
		}
		return c.call(func() error { return c.hooks.SendProto(wire.StatusHELLOACK, manifest) })

	case (c.state == wire.StateHELLOS || c.state == wire.StateHELLO2 || c.state == wire.StateHELLOACKS) && status == wire.StatusHELLOACK:
		// HELLO_2 is included for the simultaneous-open case, where both
		// sides sent HELLO and each answers the other's.
		c.state = wire.StateAUTH
		if c.hooks.OnRemoteManifest != nil && len(payload) > 0 {
			c.hooks.OnRemoteManifest(payload)
		}
		return c.call(c.hooks.Challenge)

	case (c.state == wire.StateAUTH || c.state == wire.StateAUTH2 || c.state == wire.StateAUTHACK) && status == wire.StatusAUTH:
		if c.state == wire.StateAUTH {
			c.state = wire.StateAUTH2
		}
		if c.hooks.VerifyCredential != nil && c.hooks.VerifyCredential(payload) {
			c.isAuth = true
		}
		return c.maybeBecomeOperationalLocked()

	case (c.state == wire.StateAUTH || c.state == wire.StateAUTH2 || c.state == wire.StateAUTHACK) && status == wire.StatusAUTHACK:
		if c.state == wire.StateAUTH {
			c.state = wire.StateAUTHACK
		}
		c.amAuth = true
		return c.maybeBecomeOperationalLocked()

	case c.state == wire.StateMAP && status == wire.StatusMAP:
		c.state = wire.StateEXTMSG
		c.notify(c.hooks.OnMapCreated)
		return c.call(func() error { return c.hooks.SendProto(wire.StatusMAPACK, nil) })

	case c.state == wire.StateMAPACK && status == wire.StatusMAPACK:
		c.state = wire.StateEXTMSG
		c.notify(c.hooks.OnMapCreated)
		return nil

	case c.state == wire.StateEXTMSG && status == wire.StatusUNMAP:
		c.notify(c.hooks.OnUnmapped)
		if err := c.call(func() error { return c.hooks.SendProto(wire.StatusUNMAPACK, nil) }); err != nil {
			return err
		}
		return c.call(c.hooks.CloseTransport)

	default:
		// unexpected status for the current state: drop silently (logged
		// by the caller)
		return nil
	}
}

// maybeBecomeOperationalLocked transitions to MAP once both am_auth and
// is_auth hold (caller must hold c.mu).
func (c *Conn) maybeBecomeOperationalLocked() error {
	if c.amAuth && c.isAuth {
		c.notify(c.hooks.OnOperational)
		c.state = wire.StateMAP
	}
	return nil
}

// BeginMap sends an active MAP request (for a mapper-initiated connection,
// as opposed to a passive one awaiting a peer's MAP).
func (c *Conn) BeginMap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != wire.StateMAP {
		return fmt.Errorf("connstate: BeginMap called outside MAP state (state=%s)", c.state)
	}
	c.state = wire.StateMAPACK
	return c.call(func() error { return c.hooks.SendProto(wire.StatusMAP, nil) })
}

// FirstMessage processes the very first frame on the component channel: it
// must equal the session key the spawning process passed the core at
// startup, or the connection is closed.
func (c *Conn) FirstMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != wire.StateFIRSTMSG {
		return fmt.Errorf("connstate: FirstMessage called outside FIRST_MSG state (state=%s)", c.state)
	}
	if c.hooks.VerifySessionKey != nil && !c.hooks.VerifySessionKey(payload) {
		c.state = wire.StateCLOSED
		return c.call(c.hooks.CloseTransport)
	}
	c.state = wire.StateAPPMSG
	c.notify(c.hooks.OnOperational)
	return nil
}
