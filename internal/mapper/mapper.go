// Package mapper implements the endpoint-to-peer mapping operations: map,
// map_module, map_lookup, unmap, unmap_connection, unmap_all, and divert,
// all mutating a single owned mapping table.
package mapper

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mwcore/internal/mwerr"
)

// Dialer attempts to establish a connection over the named transport module
// to address, returning an opaque connection handle on success. Concrete
// transports (internal/transport) implement the real version; tests supply
// a fake.
type Dialer func(module, address string) (connHandle int, err error)

// Mapping is the (local endpoint, remote address, transport module) triple
// plus its predicates and, once established, remote connection handle.
type Mapping struct {
	Handle          int
	LocalEndpointID string
	Module          string
	Address         string
	EndpointQuery   []string
	ComponentQuery  []string
	RemoteConn      int
	PendingTeardown bool
	// TeardownAt is when PendingTeardown was set; used by
	// internal/housekeeping to detect peers that disconnected without ever
	// sending UNMAP_ACK.
	TeardownAt time.Time
}

type triple struct {
	lepID, module, address string
}

// Table is the core's owned mapping table; all mutation happens through its
// methods.
type Table struct {
	mu         sync.Mutex
	byTriple   map[triple]*Mapping
	byHandle   map[int]*Mapping
	nextHandle atomic.Int64
	transports map[string]Dialer
}

// NewTable creates an empty mapping table.
func NewTable() *Table {
	return &Table{
		byTriple:   make(map[triple]*Mapping),
		byHandle:   make(map[int]*Mapping),
		transports: make(map[string]Dialer),
	}
}

// RegisterTransport makes a transport module available to Map/MapLookup.
func (t *Table) RegisterTransport(module string, dial Dialer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transports[module] = dial
}

// NormalizeQuery discards degenerate predicates: an empty or one-character
// predicate string means "match all" and is dropped, and a query with no
// surviving predicates normalises to nil.
func NormalizeQuery(q []string) []string {
	var out []string
	for _, p := range q {
		if len(p) > 1 {
			out = append(out, p)
		}
	}
	return out
}

// Map attempts every registered transport, installing a mapping on the
// first one that dials address successfully. Returns the new mapping's
// handle, or a negative error code: -1 transport failure (every transport
// failed to dial), -2 invalid argument.
func (t *Table) Map(lepID, address string, epQuery, cptQuery []string) (int, error) {
	if lepID == "" || address == "" {
		return -2, fmt.Errorf("%w: lepID and address are required", mwerr.ErrInvalidArgument)
	}
	t.mu.Lock()
	modules := make([]string, 0, len(t.transports))
	for m := range t.transports {
		modules = append(modules, m)
	}
	t.mu.Unlock()

	var lastErr error
	for _, module := range modules {
		h, err := t.MapModule(lepID, module, address, epQuery, cptQuery)
		if err == nil {
			return h, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no transports registered", mwerr.ErrTransport)
	}
	return -1, lastErr
}

// MapModule is Map restricted to one named transport module. A prior
// mapping on the same (lepID, address, module) triple is replaced.
func (t *Table) MapModule(lepID, module, address string, epQuery, cptQuery []string) (int, error) {
	if lepID == "" || module == "" || address == "" {
		return -2, fmt.Errorf("%w: lepID, module and address are required", mwerr.ErrInvalidArgument)
	}

	t.mu.Lock()
	dial, ok := t.transports[module]
	t.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("%w: unknown transport module %q", mwerr.ErrTransport, module)
	}

	connHandle, err := dial(module, address)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := triple{lepID, module, address}
	if old, exists := t.byTriple[key]; exists {
		delete(t.byHandle, old.Handle)
	}

	handle := int(t.nextHandle.Add(1))
	m := &Mapping{
		Handle:          handle,
		LocalEndpointID: lepID,
		Module:          module,
		Address:         address,
		EndpointQuery:   NormalizeQuery(epQuery),
		ComponentQuery:  NormalizeQuery(cptQuery),
		RemoteConn:      connHandle,
	}
	t.byTriple[key] = m
	t.byHandle[handle] = m
	return handle, nil
}

// RDCLookup resolves endpoint/component query predicates against a
// resource-discovery directory into candidate (module, address) pairs. The
// directory itself (internal/rdcstore) is supplied by the caller; MapLookup
// only shapes the fan-out.
type RDCLookup func(epQuery, cptQuery []string, max int) []struct{ Module, Address string }

// MapLookup consults a resource-discovery lookup function and maps to at
// most max returned candidates. Returns the count of mappings successfully
// installed; per-candidate dial failures are skipped, not surfaced, since
// the dispatch entry carries no reply.
func (t *Table) MapLookup(lepID string, lookup RDCLookup, epQuery, cptQuery []string, max int) int {
	if lookup == nil {
		return 0
	}
	candidates := lookup(NormalizeQuery(epQuery), NormalizeQuery(cptQuery), max)
	installed := 0
	for _, c := range candidates {
		if _, err := t.MapModule(lepID, c.Module, c.Address, epQuery, cptQuery); err == nil {
			installed++
		}
	}
	return installed
}

// Unmap marks every mapping matching (lepID, address) as pending teardown.
// Finalisation (removal from the table) happens on UNMAP_ACK or transport
// close, whichever occurs first, via Finalize. Returns 0 if no mapping
// matched, making a double unmap harmless, else the count marked.
func (t *Table) Unmap(lepID, address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.byTriple {
		if m.LocalEndpointID == lepID && m.Address == address && !m.PendingTeardown {
			m.PendingTeardown = true
			m.TeardownAt = time.Now()
			n++
		}
	}
	return n
}

// UnmapConnection unmaps exactly the mapping carried on a specific
// (module, connHandle) pair.
func (t *Table) UnmapConnection(lepID, module string, connHandle int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.byTriple {
		if m.LocalEndpointID == lepID && m.Module == module && m.RemoteConn == connHandle && !m.PendingTeardown {
			m.PendingTeardown = true
			m.TeardownAt = time.Now()
			return 1
		}
	}
	return 0
}

// UnmapAll unmaps every mapping of the endpoint, returning the count marked.
func (t *Table) UnmapAll(lepID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.byTriple {
		if m.LocalEndpointID == lepID && !m.PendingTeardown {
			m.PendingTeardown = true
			m.TeardownAt = time.Now()
			n++
		}
	}
	return n
}

// Finalize completes teardown of every mapping previously marked pending by
// Unmap/UnmapConnection/UnmapAll, removing it from the table. Call this on
// UNMAP_ACK (per mapping) or on transport close (for every mapping on that
// connection).
func (t *Table) Finalize(handle int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byHandle[handle]
	if !ok {
		return
	}
	delete(t.byHandle, handle)
	delete(t.byTriple, triple{m.LocalEndpointID, m.Module, m.Address})
}

// Divert atomically replaces the remote endpoint id recorded against an
// existing mapping, without re-handshaking. The remote endpoint id is
// carried in EndpointQuery[0] by convention (the predicate naming the
// single target endpoint on the peer); divert overwrites it. Outstanding
// pending-responses entries tied to the old remote endpoint id are left
// untouched; divert only affects messages sent after the call.
func (t *Table) Divert(lepID string, fromAddress string, toEndpointID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, m := range t.byTriple {
		if k.lepID == lepID && m.Address == fromAddress {
			m.EndpointQuery = []string{toEndpointID}
			return 0, nil
		}
	}
	return -2, fmt.Errorf("%w: no mapping for endpoint %q at %q", mwerr.ErrNotFound, lepID, fromAddress)
}

// StaleHandles returns the handles of every mapping that has been pending
// teardown for longer than olderThan -- a peer that disconnected without
// ever sending UNMAP_ACK (internal/housekeeping's periodic sweep).
func (t *Table) StaleHandles(olderThan time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var stale []int
	for _, m := range t.byTriple {
		if m.PendingTeardown && now.Sub(m.TeardownAt) > olderThan {
			stale = append(stale, m.Handle)
		}
	}
	return stale
}

// MappingsFor returns every live (non-pending-teardown) mapping of lepID,
// used by the dispatch glue to find a connection to send an outbound
// message, request or response on.
func (t *Table) MappingsFor(lepID string) []*Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Mapping
	for _, m := range t.byTriple {
		if m.LocalEndpointID == lepID && !m.PendingTeardown {
			out = append(out, m)
		}
	}
	return out
}

// Lookup returns the mapping for handle, if any.
func (t *Table) Lookup(handle int) (*Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byHandle[handle]
	return m, ok
}

// ConnectionsFor returns the JSON array of connection handles currently
// mapped to lepID (ep_get_all_conns). An unmapped endpoint yields "[]", not
// a null/absent value.
func (t *Table) ConnectionsFor(lepID string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := []int{}
	for _, m := range t.byTriple {
		if m.LocalEndpointID == lepID && !m.PendingTeardown {
			conns = append(conns, m.RemoteConn)
		}
	}
	return json.Marshal(conns)
}

// All returns every mapping currently in the table, live or pending
// teardown, for use by internal/ctl's debug inspection surface.
func (t *Table) All() []*Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Mapping, 0, len(t.byHandle))
	for _, m := range t.byHandle {
		out = append(out, m)
	}
	return out
}

// Count returns the number of live (non-pending-teardown) mappings for
// lepID, used by tests.
func (t *Table) Count(lepID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.byTriple {
		if m.LocalEndpointID == lepID && !m.PendingTeardown {
			n++
		}
	}
	return n
}
