package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/mwcore/internal/config"
	"github.com/basket/mwcore/internal/connstate"
	"github.com/basket/mwcore/internal/mwerr"
	"github.com/basket/mwcore/internal/transport"
	"github.com/basket/mwcore/internal/wire"
)

// envelope is the JSON shape every non-CMD frame takes on a bridge
// connection's wire (protocol-phase HELLO/AUTH/MAP frames and
// application-phase MSG/REQ/RESP/STREAM/STREAM_CMD frames share one
// envelope, distinguished by Status).
type envelope struct {
	Status     wire.Status `json:"status"`
	MsgID      string      `json:"msg_id,omitempty"`
	EndpointID string      `json:"endpoint_id,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	ResponseID string      `json:"response_id,omitempty"`
	Credential []byte      `json:"credential,omitempty"`
}

// bridgeConn is one open connection on a bridge transport: its protocol
// state plus the subject presented during AUTH, used for the router's
// access-subject enforcement.
type bridgeConn struct {
	state   *connstate.Conn
	subject string
}

// registerTransport wires mod into the mapper (as a dialer) and installs
// per-connection protocol state machines for every connection it reports,
// in either direction.
func (c *Core) registerTransport(name string, mod transport.Module, bridge bool) {
	c.transports[name] = mod

	conns := make(map[int]*bridgeConn)

	newConn := func(handle int) *bridgeConn {
		bc := &bridgeConn{}
		bc.state = connstate.New(name, handle, bridge, connstate.Hooks{
			SendProto: func(status wire.Status, payload []byte) error {
				return c.sendEnvelope(mod, handle, envelope{Status: status, Body: payload})
			},
			Challenge: func() error {
				challenge, err := c.access.Challenge(context.Background())
				if err != nil {
					return err
				}
				return c.sendEnvelope(mod, handle, envelope{Status: wire.StatusAUTH, Body: challenge})
			},
			VerifyCredential: func(credential []byte) bool {
				ok, err := c.access.Verify(context.Background(), credential)
				if err != nil {
					c.logger.Warn("access-plugin verify failed", "error", err)
					return false
				}
				if ok {
					if subject, err := c.access.SubjectOf(context.Background(), credential); err == nil {
						bc.subject = subject
					}
				}
				return ok
			},
			OwnCredential: func() []byte { return nil },
			OnOperational: func() {
				c.logger.Info("bridge connection operational", "module", name, "handle", handle)
				if c.obsProv != nil {
					c.obsProv.Metrics.ActiveConnections.Add(context.Background(), 1)
				}
			},
			OnMapCreated: func() {
				// Wakes a mapper.Map/MapModule call parked in
				// syncwait.Synchroniser.Call awaiting this connection's
				// MAP_ACK -- the one dispatch operation that completes on
				// a peer round trip rather than a local table update.
				c.sync.Complete(mapSyncKey(name, handle), nil)
				if c.obsProv != nil {
					c.obsProv.Metrics.ActiveMappings.Add(context.Background(), 1)
				}
			},
			CloseTransport: func() error {
				delete(conns, handle)
				c.forgetConnState(name, handle)
				return nil
			},
			Manifest: func() []byte {
				m, err := c.registry.Manifest()
				if err != nil {
					return nil
				}
				return m
			},
			OnRemoteManifest: func(payload []byte) {
				c.storeRemoteManifest(name, handle, payload)
			},
		})
		conns[handle] = bc
		c.rememberConnState(name, handle, bc.state)
		return bc
	}

	c.mapperTbl.RegisterTransport(name, func(_ string, address string) (int, error) {
		handle, err := mod.Connect(context.Background(), address)
		if err != nil {
			return 0, err
		}
		// A dial-initiated connection skips SetOnConnect (that callback
		// fires only for inbound/accepted connections), so the protocol
		// state machine has to be created here instead -- map/map_module
		// needs it ready before the MAP frame goes out.
		if _, ok := conns[handle]; !ok {
			newConn(handle)
		}
		return handle, nil
	})

	mod.SetOnConnect(func(handle int) { newConn(handle) })
	mod.SetOnData(func(handle int, data []byte) {
		bc, ok := conns[handle]
		if !ok {
			bc = newConn(handle)
		}
		c.onBridgeFrame(name, mod, handle, bc, data)
	})
	mod.SetOnDisconnect(func(handle int) {
		delete(conns, handle)
		c.forgetConnState(name, handle)
		c.sync.FailAll(fmt.Errorf("%w: %s connection %d closed", mwerr.ErrTransport, name, handle))
	})
}

// rememberConnState/forgetConnState/connState give the dispatch handlers
// (which only see the mapper's module/handle pair, not the bridgeConn
// closure above) a way to drive a specific connection's protocol state
// machine -- needed by map/map_module to call BeginMap after a successful
// dial.
func (c *Core) rememberConnState(module string, handle int, conn *connstate.Conn) {
	c.connStatesMu.Lock()
	defer c.connStatesMu.Unlock()
	if c.connStates[module] == nil {
		c.connStates[module] = make(map[int]*connstate.Conn)
	}
	c.connStates[module][handle] = conn
}

func (c *Core) forgetConnState(module string, handle int) {
	c.connStatesMu.Lock()
	defer c.connStatesMu.Unlock()
	delete(c.connStates[module], handle)
}

func (c *Core) connState(module string, handle int) (*connstate.Conn, bool) {
	c.connStatesMu.Lock()
	defer c.connStatesMu.Unlock()
	conn, ok := c.connStates[module][handle]
	return conn, ok
}

// mapSyncKey is the syncwait message id a mapper.Map/MapModule call blocks
// on while awaiting the new connection's MAP_ACK.
func mapSyncKey(module string, handle int) string {
	return fmt.Sprintf("map:%s:%d", module, handle)
}

// loadTransport constructs a transport.Module from a configured or
// dynamically-requested (load_com_module) transport entry.
func (c *Core) loadTransport(ctx context.Context, tc config.TransportConfig) (transport.Module, error) {
	switch tc.Module {
	case "tcp":
		t := transport.NewTCPTransport()
		if tc.Bridge && tc.Listen != "" {
			if err := t.Listen(tc.Listen); err != nil {
				return nil, err
			}
		}
		return t, nil

	case "ws":
		var origins []string
		if o := tc.Params["allow_origins"]; o != "" {
			origins = strings.Split(o, ",")
		}
		t := transport.NewWSTransport(origins)
		if tc.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/", t.Handler())
			c.transportServers = append(c.transportServers, &http.Server{Addr: tc.Listen, Handler: mux})
		}
		return t, nil

	case "telegram":
		t, err := transport.NewTelegramTransport(tc.Params["token"], c.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
		}
		go t.Run(ctx)
		return t, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport module %q", mwerr.ErrInvalidArgument, tc.Module)
	}
}

func (c *Core) sendEnvelope(mod transport.Module, handle int, e envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return mod.Send(handle, data)
}

// storeRemoteManifest records a peer's HELLO_ACK manifest, keyed by the
// address the mapping table knows it under, so get_remote_manif can answer
// without a fresh round trip.
func (c *Core) storeRemoteManifest(module string, handle int, payload []byte) {
	addr := ""
	for _, m := range c.mapperTbl.All() {
		if m.Module == module && m.RemoteConn == handle {
			addr = m.Address
			break
		}
	}
	if addr == "" {
		return
	}
	c.remoteManifests.Store(addr, append([]byte(nil), payload...))
}

// remoteManifestFor returns the last manifest received from the peer at
// address, if any (get_remote_manif).
func (c *Core) remoteManifestFor(address string) ([]byte, bool) {
	v, ok := c.remoteManifests.Load(address)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// onBridgeFrame dispatches one decoded frame from a bridge connection:
// protocol-phase frames go through HandleProto; once operational,
// application frames go through the router.
func (c *Core) onBridgeFrame(moduleName string, mod transport.Module, handle int, bc *bridgeConn, data []byte) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("bridge: failed to decode frame", "module", moduleName, "handle", handle, "error", err)
		return
	}

	if !bc.state.Operational() {
		if err := bc.state.HandleProto(e.Status, e.Body); err != nil {
			c.logger.Warn("bridge: protocol transition failed", "status", e.Status, "error", err)
		}
		return
	}

	if e.EndpointID == "" {
		return
	}
	lep, ok := c.registry.Get(e.EndpointID)
	if !ok {
		return
	}
	msg := wire.Message{
		Status:     e.Status,
		MsgID:      e.MsgID,
		EndpointID: e.EndpointID,
		Body:       e.Body,
		ResponseID: e.ResponseID,
		SrcModule:  moduleName,
		SrcConn:    handle,
	}
	if err := c.rtr.Route(lep, msg, bc.subject); err != nil {
		c.logger.Error("router: failed to route message", "endpoint_id", e.EndpointID, "error", err)
	}
}
