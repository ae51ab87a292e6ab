// Package transport defines the transport plug-in ABI and a handful of
// concrete plug-ins. The core depends only on the Module interface;
// everything else in this package is one implementation of it.
package transport

import "context"

// Module is the narrow surface every transport plug-in implements:
// Connect, Send, SetOnData, SetOnConnect, SetOnDisconnect, Close.
type Module interface {
	// Connect dials address, returning an opaque connection handle the
	// mapper table records against a mapping (mapper.Dialer has this same
	// shape so a Module's Connect can be adapted directly into one).
	Connect(ctx context.Context, address string) (int, error)
	// Send writes a framed JSON message to the connection identified by
	// handle.
	Send(handle int, data []byte) error
	// SetOnData registers the callback invoked with every byte chunk
	// arriving on any connection this module owns; the connection's
	// handle is passed so the caller can demultiplex.
	SetOnData(fn func(handle int, data []byte))
	// SetOnConnect registers the callback invoked when a peer connects
	// to a listening transport (bridge transports only; non-bridge
	// Connect-only transports may leave this unused).
	SetOnConnect(fn func(handle int))
	// SetOnDisconnect registers the callback invoked when a connection
	// is lost, for either direction.
	SetOnDisconnect(fn func(handle int))
	// Close shuts down the transport and every connection it owns.
	Close() error
}

// Dial adapts a Module's Connect method into a mapper.Dialer-shaped
// function, letting any Module be registered directly against a mapping
// table without a wrapper closure at each call site.
func Dial(ctx context.Context, m Module) func(module, address string) (int, error) {
	return func(_ string, address string) (int, error) {
		return m.Connect(ctx, address)
	}
}
