// Package registry implements the endpoint registry: the core's owned table
// of local endpoint records, a single-owner type whose methods are the only
// mutators.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/mwcore/internal/mwerr"
	"github.com/basket/mwcore/internal/wire"
)

// Filter is a predicate over a message body. The concrete predicate
// language is decided by whoever installs the filter, so Filter wraps an
// opaque evaluation function supplied by the caller.
type Filter struct {
	Expr    string
	Matches func(body []byte) bool
}

// Endpoint is the component-declared communication terminal.
type Endpoint struct {
	ID             string
	Name           string
	Description    string
	Kind           wire.EndpointKind
	MessageSchema  []byte
	ResponseSchema []byte
	Queuing        bool
	Handler        func(wire.Message)
}

// LocalEndpoint is the core's shadow record of an endpoint in its attached
// component: queues, filters, access subjects, and (for stream endpoints) a
// byte-pipe.
type LocalEndpoint struct {
	Endpoint

	mu             sync.Mutex
	filters        []Filter
	accessSubjects map[string]struct{}

	// msgSchema/respSchema are compiled from Endpoint.MessageSchema/
	// ResponseSchema at registration time, used by ValidateMessage/
	// ValidateResponse on ep_send_message/ep_send_request/ep_send_response.
	msgSchema  *jsonschema.Schema
	respSchema *jsonschema.Schema

	messages  chan wire.Message
	requests  chan wire.Message
	responses chan wire.Message // keyed delivery handled by router's pending table

	// StreamPath/StreamPipe are populated by internal/streamep when a
	// STR_SRC/STR_SNK endpoint has an open byte-pipe.
	StreamPath string
	StreamPipe interface {
		Write([]byte) (int, error)
		Close() error
	}
}

const defaultQueueDepth = 256

// Filters returns a snapshot of the endpoint's current filter list.
func (l *LocalEndpoint) Filters() []Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Filter, len(l.filters))
	copy(out, l.filters)
	return out
}

// AddFilter appends f to the endpoint's filter list (ep_add_filter).
func (l *LocalEndpoint) AddFilter(f Filter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = append(l.filters, f)
}

// ResetFilter clears the endpoint's filter list (ep_reset_filter).
func (l *LocalEndpoint) ResetFilter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = nil
}

// SetAccess replaces the endpoint's access-subject set (ep_set_access).
func (l *LocalEndpoint) SetAccess(subjects []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accessSubjects = make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		l.accessSubjects[s] = struct{}{}
	}
}

// ResetAccess clears the endpoint's access-subject set (ep_reset_access).
func (l *LocalEndpoint) ResetAccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accessSubjects = nil
}

// AccessAllowed reports whether subject may deliver to this endpoint: an
// empty access-subject set allows everyone.
func (l *LocalEndpoint) AccessAllowed(subject string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.accessSubjects) == 0 {
		return true
	}
	_, ok := l.accessSubjects[subject]
	return ok
}

// EnqueueMessage/EnqueueRequest push into the pull-mode queues:
// multi-producer (receive goroutines), single-consumer (the fetching user
// call), implemented as buffered channels guarded by the channel itself
// rather than an extra mutex.
func (l *LocalEndpoint) EnqueueMessage(m wire.Message) bool {
	select {
	case l.messages <- m:
		return true
	default:
		return false
	}
}

func (l *LocalEndpoint) EnqueueRequest(m wire.Message) bool {
	select {
	case l.requests <- m:
		return true
	default:
		return false
	}
}

func (l *LocalEndpoint) EnqueueResponse(m wire.Message) bool {
	select {
	case l.responses <- m:
		return true
	default:
		return false
	}
}

// FetchMessage/FetchRequest/FetchResponse implement the blocking
// ep_fetch_message/ep_fetch_request/ep_fetch_response dispatch entries,
// draining the corresponding queue.
func (l *LocalEndpoint) FetchMessage(ctx context.Context) (wire.Message, error) {
	select {
	case m := <-l.messages:
		return m, nil
	case <-ctx.Done():
		return wire.Message{}, mwerr.ErrTimeout
	}
}

func (l *LocalEndpoint) FetchRequest(ctx context.Context) (wire.Message, error) {
	select {
	case m := <-l.requests:
		return m, nil
	case <-ctx.Done():
		return wire.Message{}, mwerr.ErrTimeout
	}
}

func (l *LocalEndpoint) FetchResponse(ctx context.Context) (wire.Message, error) {
	select {
	case m := <-l.responses:
		return m, nil
	case <-ctx.Done():
		return wire.Message{}, mwerr.ErrTimeout
	}
}

// MoreMessages/MoreRequests/MoreResponses implement ep_more_messages/
// ep_more_requests/ep_more_responses: a non-blocking depth check.
func (l *LocalEndpoint) MoreMessages() int  { return len(l.messages) }
func (l *LocalEndpoint) MoreRequests() int  { return len(l.requests) }
func (l *LocalEndpoint) MoreResponses() int { return len(l.responses) }

// compileSchema parses via jsonschema.UnmarshalJSON for json.Number-correct
// numbers, then runs a one-shot compiler. An empty raw schema compiles to
// nil (no validation performed).
func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}

func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	if schema == nil {
		return nil
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", mwerr.ErrInvalidArgument, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: schema validation: %v", mwerr.ErrInvalidArgument, err)
	}
	return nil
}

// ValidateMessage checks body against the endpoint's declared message
// schema (ep_send_message/ep_send_request), a no-op if none was declared.
func (l *LocalEndpoint) ValidateMessage(body []byte) error {
	return validateAgainst(l.msgSchema, body)
}

// ValidateResponse checks body against the endpoint's declared response
// schema (ep_send_response), a no-op if none was declared.
func (l *LocalEndpoint) ValidateResponse(body []byte) error {
	return validateAgainst(l.respSchema, body)
}

// Registry is the core's owned table of LocalEndpoints, keyed by id.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*LocalEndpoint
	idSource IDGenerator
	manifest ManifestInfo
}

// ManifestInfo is the small JSON blob exchanged during HELLO/HELLO_ACK.
type ManifestInfo struct {
	AppName string `json:"app_name"`

	// Extra carries operator-supplied manifest metadata (add_manifest),
	// surfaced verbatim on get_manifest/HELLO_ACK alongside the endpoint
	// table.
	Extra json.RawMessage `json:"extra,omitempty"`
}

// SetManifestExtra installs operator-supplied manifest metadata
// (add_manifest), replacing whatever was set previously.
func (r *Registry) SetManifestExtra(extra json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifest.Extra = extra
}

// NewRegistry creates an empty Registry. ids generates endpoint ids; pass
// NewIDGenerator() for the default 10-character opaque token generator.
func NewRegistry(appName string, ids IDGenerator) *Registry {
	return &Registry{
		byID:     make(map[string]*LocalEndpoint),
		idSource: ids,
		manifest: ManifestInfo{AppName: appName},
	}
}

// Register materialises an endpoint declaration into its local record,
// assigning queues for pull-mode endpoints and an id when the declaration
// carries none. Returns the created record; the dispatch layer reduces it
// to an int status for the wire.
func (r *Registry) Register(ep Endpoint) (*LocalEndpoint, error) {
	if ep.Kind == "" {
		return nil, fmt.Errorf("%w: endpoint kind required", mwerr.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep.ID == "" {
		ep.ID = r.idSource.NewID()
	}
	if _, exists := r.byID[ep.ID]; exists {
		return nil, fmt.Errorf("%w: endpoint id %q already registered", mwerr.ErrInvalidArgument, ep.ID)
	}

	msgSchema, err := compileSchema(ep.ID+"_message.json", ep.MessageSchema)
	if err != nil {
		return nil, err
	}
	respSchema, err := compileSchema(ep.ID+"_response.json", ep.ResponseSchema)
	if err != nil {
		return nil, err
	}

	lep := &LocalEndpoint{Endpoint: ep, msgSchema: msgSchema, respSchema: respSchema}
	if ep.Queuing {
		lep.messages = make(chan wire.Message, defaultQueueDepth)
		lep.requests = make(chan wire.Message, defaultQueueDepth)
		lep.responses = make(chan wire.Message, defaultQueueDepth)
	}
	r.byID[ep.ID] = lep
	return lep, nil
}

// Get looks up a local endpoint by id.
func (r *Registry) Get(id string) (*LocalEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lep, ok := r.byID[id]
	return lep, ok
}

// Remove unregisters the endpoint, draining its queues; mapping teardown
// (sending UNMAP to every peer) is the mapper's responsibility and must be
// invoked by the caller before Remove (remove_endpoint).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lep, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: endpoint %q", mwerr.ErrNotFound, id)
	}
	delete(r.byID, id)
	if lep.messages != nil {
		drain(lep.messages)
		drain(lep.requests)
		drain(lep.responses)
	}
	return nil
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// All returns a snapshot slice of every registered local endpoint.
func (r *Registry) All() []*LocalEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LocalEndpoint, 0, len(r.byID))
	for _, lep := range r.byID {
		out = append(out, lep)
	}
	return out
}

// Manifest renders the registry's advertisable manifest: app name plus the
// declared endpoints, for the HELLO/HELLO_ACK exchange and get_manifest.
func (r *Registry) Manifest() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type epInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	doc := struct {
		AppName   string          `json:"app_name"`
		Endpoints []epInfo        `json:"endpoints"`
		Extra     json.RawMessage `json:"extra,omitempty"`
	}{AppName: r.manifest.AppName, Extra: r.manifest.Extra}
	for _, lep := range r.byID {
		doc.Endpoints = append(doc.Endpoints, epInfo{ID: lep.ID, Name: lep.Name, Kind: string(lep.Kind)})
	}
	return json.Marshal(doc)
}
