// Package router implements the inbound message router: the piece that
// takes a decoded frame arriving on an operational connection and,
// depending on the target local endpoint's kind, mode and filters, writes
// it to a stream pipe, drops it, delivers it by push, or enqueues it for
// pull.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/basket/mwcore/internal/mwerr"
	"github.com/basket/mwcore/internal/registry"
	"github.com/basket/mwcore/internal/streamep"
	"github.com/basket/mwcore/internal/wire"
)

// AuditSink records an access-denied drop for the durable audit trail.
type AuditSink interface {
	Record(decision, endpointID, reason, subject string)
}

// NopAudit discards every record; used where no audit trail is configured.
type NopAudit struct{}

func (NopAudit) Record(decision, endpointID, reason, subject string) {}

// pendingResponse is one outstanding request this side is waiting on
// RESP_NEXT/RESP_LAST frames for. This is distinct from internal/syncwait's
// blocking-call futures: it is the core-side request/response correlation
// table, keyed by the message id the originating REQ carried.
type pendingResponse struct {
	lep *registry.LocalEndpoint
}

// Router dispatches inbound application frames to local endpoints.
type Router struct {
	reg         *registry.Registry
	pipes       *streamep.Registry
	audit       AuditSink
	deniedCount atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingResponse // msg_id -> waiting request
}

// New creates a Router over reg and pipes. audit may be nil, in which case
// access-denied drops are counted but not recorded anywhere else.
func New(reg *registry.Registry, pipes *streamep.Registry, audit AuditSink) *Router {
	if audit == nil {
		audit = NopAudit{}
	}
	return &Router{
		reg:     reg,
		pipes:   pipes,
		audit:   audit,
		pending: make(map[string]*pendingResponse),
	}
}

// DeniedCount returns the number of access-denied drops observed so far.
func (r *Router) DeniedCount() uint64 {
	return r.deniedCount.Load()
}

// RegisterPendingRequest records that msgID is an outstanding request whose
// RESP_NEXT/RESP_LAST replies should be routed to lep. Called before a REQ
// goes out, so a reply can never race ahead of the registration.
func (r *Router) RegisterPendingRequest(msgID string, lep *registry.LocalEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[msgID] = &pendingResponse{lep: lep}
}

// Route processes one inbound application-phase message against lep:
// stream bypass, then filters, then access subjects, then push or pull
// delivery. subject is the peer's authenticated subject, used for
// access-subject enforcement.
func (r *Router) Route(lep *registry.LocalEndpoint, msg wire.Message, subject string) error {
	// RESP_NEXT/RESP_LAST are routed via the pending-responses table, not
	// directly against lep (which may not even be known to the caller at
	// this point) -- by the time a reply arrives the target is only
	// identified by msg.ResponseID.
	if msg.Status == wire.StatusRESPNEXT || msg.Status == wire.StatusRESPLAST {
		return r.routeResponse(msg, subject)
	}

	// STR_SNK with an open pipe bypasses the JSON router entirely.
	if lep.Kind == wire.KindSTRSNK && msg.Status == wire.StatusSTREAM {
		if pipe, ok := r.pipes.Get(lep.ID); ok {
			_, err := pipe.WriteStream(msg.Body)
			return err
		}
		// no open pipe: nothing to deliver to, drop
		return nil
	}

	if msg.Status == wire.StatusSTREAMCMD {
		return r.handleStreamCmd(lep, msg)
	}

	for _, f := range lep.Filters() {
		if f.Matches != nil && !f.Matches(msg.Body) {
			return nil
		}
	}

	if !lep.AccessAllowed(subject) {
		r.deniedCount.Add(1)
		r.audit.Record("deny", lep.ID, "access_subject_mismatch", subject)
		return nil
	}

	return r.deliver(lep, msg)
}

// routeResponse looks up msg.ResponseID in the pending-responses table and
// delivers to the waiting endpoint. RESP_LAST removes the table entry
// (terminal event); any RESP_NEXT arriving afterward for the same id finds
// no entry and is dropped.
func (r *Router) routeResponse(msg wire.Message, subject string) error {
	r.mu.Lock()
	p, ok := r.pending[msg.ResponseID]
	if ok && msg.Status == wire.StatusRESPLAST {
		delete(r.pending, msg.ResponseID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if !p.lep.AccessAllowed(subject) {
		r.deniedCount.Add(1)
		r.audit.Record("deny", p.lep.ID, "access_subject_mismatch", subject)
		return nil
	}

	return r.deliver(p.lep, msg)
}

// deliver hands the message off: push endpoints invoke their handler inline
// (the handler is responsible for framing it as an 'a'-tagged delivery to
// the component); pull endpoints enqueue into the message/request/response
// queue matching msg.Status.
func (r *Router) deliver(lep *registry.LocalEndpoint, msg wire.Message) error {
	if !lep.Queuing {
		if lep.Handler != nil {
			lep.Handler(msg)
		}
		return nil
	}

	var ok bool
	switch msg.Status {
	case wire.StatusREQ:
		ok = lep.EnqueueRequest(msg)
	case wire.StatusRESPNEXT, wire.StatusRESPLAST:
		ok = lep.EnqueueResponse(msg)
	default:
		ok = lep.EnqueueMessage(msg)
	}
	if !ok {
		return mwerr.ErrTransport // queue full: original drops silently on backpressure; surfaced here for observability
	}
	return nil
}

func (r *Router) handleStreamCmd(lep *registry.LocalEndpoint, msg wire.Message) error {
	if len(msg.Body) == 0 {
		return mwerr.ErrInvalidArgument
	}
	switch msg.Body[0] {
	case 1: // open
		pipe, err := r.pipes.Open(lep.ID)
		if err != nil {
			return err
		}
		lep.StreamPath = pipe.Path
		return nil
	case 0: // close
		lep.StreamPath = ""
		return r.pipes.Close(lep.ID)
	default:
		return mwerr.ErrInvalidArgument
	}
}
