package main

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/basket/mwcore/internal/config"
	"github.com/basket/mwcore/internal/mwerr"
	"github.com/basket/mwcore/internal/registry"
	"github.com/basket/mwcore/internal/syncwait"
	"github.com/basket/mwcore/internal/wire"
)

// registerHandlers wires every dispatch.CanonicalNames entry to the
// subsystem instances newCore built: each CMD frame arriving on the
// component channel is, by the time it reaches one of these closures,
// already decoded into a (module_id, function_id, return_type, args) tuple
// by internal/dispatch -- this file is the only place that turns those
// tuples into calls against
// c.registry/c.mapperTbl/c.rtr/c.sync/c.pipes/c.store/c.access.
func (c *Core) registerHandlers() {
	t := c.dispatchTbl

	t.RegisterInt("core", "register_endpoint", c.handleRegisterEndpoint)
	t.RegisterVoid("core", "remove_endpoint", c.handleRemoveEndpoint)

	t.RegisterInt("core", "map", c.handleMap)
	t.RegisterInt("core", "map_module", c.handleMapModule)
	t.RegisterVoid("core", "map_lookup", c.handleMapLookup)
	t.RegisterInt("core", "unmap", c.handleUnmap)
	t.RegisterInt("core", "unmap_connection", c.handleUnmapConnection)
	t.RegisterInt("core", "unmap_all", c.handleUnmapAll)
	t.RegisterInt("core", "divert", c.handleDivert)

	t.RegisterInt("core", "ep_more_messages", c.handleMoreMessages)
	t.RegisterInt("core", "ep_more_requests", c.handleMoreRequests)
	t.RegisterInt("core", "ep_more_responses", c.handleMoreResponses)

	t.RegisterVoid("core", "ep_send_message", c.handleSendMessage)
	t.RegisterVoid("core", "ep_send_request", c.handleSendRequest)
	t.RegisterVoid("core", "ep_send_response", c.handleSendResponse)

	t.RegisterVoid("core", "ep_stream_start", c.handleStreamStart)
	t.RegisterVoid("core", "ep_stream_stop", c.handleStreamStop)
	t.RegisterVoid("core", "ep_stream_send", c.handleStreamSend)

	t.RegisterMsg("core", "ep_fetch_message", c.handleFetchMessage)
	t.RegisterMsg("core", "ep_fetch_request", c.handleFetchRequest)
	t.RegisterMsg("core", "ep_fetch_response", c.handleFetchResponse)

	t.RegisterVoid("core", "add_manifest", c.handleAddManifest)
	t.RegisterStr("core", "get_manifest", c.handleGetManifest)

	t.RegisterVoid("core", "add_rdc", c.handleAddRDC)
	t.RegisterVoid("core", "rdc_register", c.handleAddRDC) // rdc_register is add_rdc's synonym
	t.RegisterVoid("core", "rdc_unregister", c.handleRDCUnregister)

	t.RegisterVoid("core", "ep_add_filter", c.handleAddFilter)
	t.RegisterVoid("core", "ep_reset_filter", c.handleResetFilter)
	t.RegisterVoid("core", "ep_set_access", c.handleSetAccess)
	t.RegisterVoid("core", "ep_reset_access", c.handleResetAccess)

	t.RegisterStr("core", "ep_get_all_conns", c.handleGetAllConns)
	t.RegisterStr("core", "get_remote_manif", c.handleGetRemoteManif)

	t.RegisterVoid("core", "terminate", c.handleTerminate)
	t.RegisterInt("core", "load_com_module", c.handleLoadComModule)
	t.RegisterInt("core", "load_acc_module", c.handleLoadAccModule)
}

// firstArg returns args[0], or nil if there isn't one; most handlers take
// exactly one JSON-object argument.
func firstArg(args [][]byte) []byte {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

func unmarshalArg(args [][]byte, v any) error {
	raw := firstArg(args)
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing argument", mwerr.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", mwerr.ErrInvalidArgument, err)
	}
	return nil
}

func (c *Core) lookupEndpoint(id string) (*registry.LocalEndpoint, error) {
	lep, ok := c.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %q", mwerr.ErrNotFound, id)
	}
	return lep, nil
}

// blockingCtx derives a context bounded by the configured blocking-call
// timeout, or syncwait.DefaultTimeout if none is set.
func (c *Core) blockingCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := c.cfg.BlockingTimeout.Std()
	if d <= 0 {
		d = syncwait.DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// --- registry ---------------------------------------------------------

type registerEndpointArgs struct {
	EpID           string          `json:"ep_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Kind           string          `json:"kind"`
	MessageSchema  json.RawMessage `json:"message_schema"`
	ResponseSchema json.RawMessage `json:"response_schema"`
	Queuing        *bool           `json:"queuing"`
}

func (c *Core) handleRegisterEndpoint(ctx context.Context, args [][]byte) (int, error) {
	var req registerEndpointArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	queuing := true
	if req.Queuing != nil {
		queuing = *req.Queuing
	}
	ep := registry.Endpoint{
		ID:             req.EpID,
		Name:           req.Name,
		Description:    req.Description,
		Kind:           wire.EndpointKind(req.Kind),
		MessageSchema:  req.MessageSchema,
		ResponseSchema: req.ResponseSchema,
		Queuing:        queuing,
	}
	if !queuing {
		// Push mode: inbound messages leave the core immediately as
		// 'a'-tagged delivery frames instead of parking in a queue.
		ep.Handler = c.deliverToComponent
	}
	if _, err := c.registry.Register(ep); err != nil {
		return mwerr.Code(err), nil
	}
	return 0, nil
}

type endpointIDArgs struct {
	EpID string `json:"ep_id"`
}

func (c *Core) handleRemoveEndpoint(ctx context.Context, args [][]byte) error {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return nil
	}
	c.mapperTbl.UnmapAll(req.EpID)
	if err := c.registry.Remove(req.EpID); err != nil {
		c.logger.Warn("remove_endpoint: unknown endpoint", "ep_id", req.EpID)
	}
	return nil
}

// --- mapper -------------------------------------------------------------

type mapArgs struct {
	EpID     string   `json:"ep_id"`
	Module   string   `json:"module"`
	Address  string   `json:"address"`
	EpQuery  []string `json:"ep_query"`
	CptQuery []string `json:"cpt_query"`
}

// waitForMapAck blocks, via c.sync, until the freshly-dialed connection's
// MAP exchange completes. If the connection is still completing its own
// HELLO/AUTH handshake, BeginMap is deferred -- nothing forces the
// handshake itself, so the wait simply runs out the clock and the mapping
// (already installed in the table) stands regardless.
func (c *Core) waitForMapAck(ctx context.Context, module string, handle int) {
	conn, ok := c.connState(module, handle)
	if !ok {
		return
	}
	key := mapSyncKey(module, handle)
	wctx, cancel := c.blockingCtx(ctx)
	defer cancel()
	_, err := c.sync.Call(wctx, key, func() error {
		if conn.State() == wire.StateMAP {
			return conn.BeginMap()
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("map: timed out waiting for MAP_ACK", "module", module, "handle", handle, "error", err)
	}
}

func (c *Core) handleMap(ctx context.Context, args [][]byte) (int, error) {
	var req mapArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	handle, err := c.mapperTbl.Map(req.EpID, req.Address, req.EpQuery, req.CptQuery)
	if err != nil {
		return handle, nil
	}
	if m, ok := c.mapperTbl.Lookup(handle); ok {
		c.waitForMapAck(ctx, m.Module, m.RemoteConn)
	}
	return handle, nil
}

func (c *Core) handleMapModule(ctx context.Context, args [][]byte) (int, error) {
	var req mapArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	handle, err := c.mapperTbl.MapModule(req.EpID, req.Module, req.Address, req.EpQuery, req.CptQuery)
	if err != nil {
		return handle, nil
	}
	if m, ok := c.mapperTbl.Lookup(handle); ok {
		c.waitForMapAck(ctx, m.Module, m.RemoteConn)
	}
	return handle, nil
}

type mapLookupArgs struct {
	EpID     string   `json:"ep_id"`
	EpQuery  []string `json:"ep_query"`
	CptQuery []string `json:"cpt_query"`
	Max      int      `json:"max"`
}

func (c *Core) handleMapLookup(ctx context.Context, args [][]byte) error {
	var req mapLookupArgs
	if err := unmarshalArg(args, &req); err != nil {
		return nil
	}
	lookup := func(epQuery, cptQuery []string, max int) []struct{ Module, Address string } {
		entries, err := c.store.ListRDCs(ctx)
		if err != nil {
			return nil
		}
		out := make([]struct{ Module, Address string }, 0, len(entries))
		for i, e := range entries {
			if max > 0 && i >= max {
				break
			}
			out = append(out, struct{ Module, Address string }{Module: e.Name, Address: e.Address})
		}
		return out
	}
	c.mapperTbl.MapLookup(req.EpID, lookup, req.EpQuery, req.CptQuery, req.Max)
	return nil
}

type unmapArgs struct {
	EpID    string `json:"ep_id"`
	Address string `json:"address"`
}

func (c *Core) handleUnmap(ctx context.Context, args [][]byte) (int, error) {
	var req unmapArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	return c.mapperTbl.Unmap(req.EpID, req.Address), nil
}

type unmapConnectionArgs struct {
	EpID       string `json:"ep_id"`
	Module     string `json:"module"`
	ConnHandle int    `json:"conn_handle"`
}

func (c *Core) handleUnmapConnection(ctx context.Context, args [][]byte) (int, error) {
	var req unmapConnectionArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	return c.mapperTbl.UnmapConnection(req.EpID, req.Module, req.ConnHandle), nil
}

func (c *Core) handleUnmapAll(ctx context.Context, args [][]byte) (int, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	return c.mapperTbl.UnmapAll(req.EpID), nil
}

type divertArgs struct {
	EpID        string `json:"ep_id"`
	FromEpID    string `json:"from_ep_id"`
	FromAddress string `json:"from_address"`
	ToEpID      string `json:"to_ep_id"`
}

func (c *Core) handleDivert(ctx context.Context, args [][]byte) (int, error) {
	var req divertArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	// from_ep_id is accepted but unused: mapper.Divert addresses the
	// mapping by (lepID, fromAddress) alone.
	return c.mapperTbl.Divert(req.EpID, req.FromAddress, req.ToEpID)
}

// --- queue depth --------------------------------------------------------

func (c *Core) handleMoreMessages(ctx context.Context, args [][]byte) (int, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return mwerr.Code(err), nil
	}
	return lep.MoreMessages(), nil
}

func (c *Core) handleMoreRequests(ctx context.Context, args [][]byte) (int, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return mwerr.Code(err), nil
	}
	return lep.MoreRequests(), nil
}

func (c *Core) handleMoreResponses(ctx context.Context, args [][]byte) (int, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return mwerr.Code(err), nil
	}
	return lep.MoreResponses(), nil
}

// --- outbound sends -------------------------------------------------------

type sendArgs struct {
	EpID   string          `json:"ep_id"`
	Body   json.RawMessage `json:"body"`
	MsgID  string          `json:"msg_id"`
	RespID string          `json:"response_id"`
	Last   bool            `json:"last"`
}

// firstMapping picks the first live mapping for lepID. A send on an
// endpoint with several live mappings goes out the first one, matching
// divert's single-mapping-at-a-time model, rather than fanning out to
// every mapped connection.
func (c *Core) firstMapping(lepID string) (module string, handle int, remoteEpID string, ok bool) {
	mappings := c.mapperTbl.MappingsFor(lepID)
	if len(mappings) == 0 {
		return "", 0, "", false
	}
	m := mappings[0]
	remote := ""
	if len(m.EndpointQuery) > 0 {
		remote = m.EndpointQuery[0]
	}
	return m.Module, m.RemoteConn, remote, true
}

func (c *Core) sendOnMapping(lepID string, status wire.Status, body []byte, msgID, responseID string) error {
	module, handle, remoteEpID, ok := c.firstMapping(lepID)
	if !ok {
		return fmt.Errorf("%w: endpoint %q is not mapped", mwerr.ErrNotFound, lepID)
	}
	mod, ok := c.transports[module]
	if !ok {
		return fmt.Errorf("%w: transport module %q not loaded", mwerr.ErrTransport, module)
	}
	return c.sendEnvelope(mod, handle, envelope{
		Status:     status,
		MsgID:      msgID,
		EndpointID: remoteEpID,
		Body:       body,
		ResponseID: responseID,
	})
}

func (c *Core) handleSendMessage(ctx context.Context, args [][]byte) error {
	var req sendArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	if err := lep.ValidateMessage(req.Body); err != nil {
		return err
	}
	return c.sendOnMapping(req.EpID, wire.StatusMSG, req.Body, req.MsgID, "")
}

// requestIDs mints the 10-character message id of a REQ whose component
// supplied none.
var requestIDs = registry.NewIDGenerator()

func (c *Core) handleSendRequest(ctx context.Context, args [][]byte) error {
	var req sendArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	if err := lep.ValidateMessage(req.Body); err != nil {
		return err
	}
	msgID := req.MsgID
	if msgID == "" {
		msgID = requestIDs.NewID()
	}
	// The pending-responses entry goes in before the REQ goes out, so an
	// immediately-arriving RESP_NEXT can never race ahead of the
	// registration.
	c.rtr.RegisterPendingRequest(msgID, lep)
	return c.sendOnMapping(req.EpID, wire.StatusREQ, req.Body, msgID, "")
}

func (c *Core) handleSendResponse(ctx context.Context, args [][]byte) error {
	var req sendArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	if err := lep.ValidateResponse(req.Body); err != nil {
		return err
	}
	status := wire.StatusRESPNEXT
	if req.Last {
		status = wire.StatusRESPLAST
	}
	return c.sendOnMapping(req.EpID, status, req.Body, req.MsgID, req.RespID)
}

// --- streams --------------------------------------------------------------

func (c *Core) handleStreamStart(ctx context.Context, args [][]byte) error {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	if _, err := c.pipes.Open(req.EpID); err != nil {
		return err
	}
	return c.sendOnMapping(req.EpID, wire.StatusSTREAMCMD, []byte{1}, "", "")
}

func (c *Core) handleStreamStop(ctx context.Context, args [][]byte) error {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	sendErr := c.sendOnMapping(req.EpID, wire.StatusSTREAMCMD, []byte{0}, "", "")
	closeErr := c.pipes.Close(req.EpID)
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

type streamSendArgs struct {
	EpID string `json:"ep_id"`
	Body []byte `json:"body"`
}

func (c *Core) handleStreamSend(ctx context.Context, args [][]byte) error {
	var req streamSendArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	return c.sendOnMapping(req.EpID, wire.StatusSTREAM, req.Body, "", "")
}

// --- blocking fetches -------------------------------------------------------

func (c *Core) handleFetchMessage(ctx context.Context, args [][]byte) (wire.Message, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return wire.Message{}, err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return wire.Message{}, err
	}
	fctx, cancel := c.blockingCtx(ctx)
	defer cancel()
	return lep.FetchMessage(fctx)
}

func (c *Core) handleFetchRequest(ctx context.Context, args [][]byte) (wire.Message, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return wire.Message{}, err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return wire.Message{}, err
	}
	fctx, cancel := c.blockingCtx(ctx)
	defer cancel()
	return lep.FetchRequest(fctx)
}

func (c *Core) handleFetchResponse(ctx context.Context, args [][]byte) (wire.Message, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return wire.Message{}, err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return wire.Message{}, err
	}
	fctx, cancel := c.blockingCtx(ctx)
	defer cancel()
	return lep.FetchResponse(fctx)
}

// --- manifest -------------------------------------------------------------

func (c *Core) handleAddManifest(ctx context.Context, args [][]byte) error {
	raw := firstArg(args)
	c.registry.SetManifestExtra(raw)
	return nil
}

func (c *Core) handleGetManifest(ctx context.Context, args [][]byte) (string, error) {
	m, err := c.registry.Manifest()
	if err != nil {
		return "", err
	}
	return string(m), nil
}

func (c *Core) handleGetRemoteManif(ctx context.Context, args [][]byte) (string, error) {
	var req struct {
		Address string `json:"address"`
	}
	if err := unmarshalArg(args, &req); err != nil {
		return "", nil
	}
	m, ok := c.remoteManifestFor(req.Address)
	if !ok {
		return "", nil
	}
	return string(m), nil
}

// --- resource discovery -----------------------------------------------------

type rdcArgs struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (c *Core) handleAddRDC(ctx context.Context, args [][]byte) error {
	var req rdcArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	return c.store.RegisterRDC(ctx, req.Name, req.Address)
}

func (c *Core) handleRDCUnregister(ctx context.Context, args [][]byte) error {
	var req rdcArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	return c.store.UnregisterRDC(ctx, req.Name)
}

// --- filters & access -------------------------------------------------------

type addFilterArgs struct {
	EpID string `json:"ep_id"`
	Expr string `json:"expr"`
}

// filterExprPattern matches a single comparison predicate over a named
// top-level JSON field, e.g. "value > 10".
var filterExprPattern = regexp.MustCompile(`^\s*(\w+)\s*(>=|<=|>|<|==|!=)\s*(-?\d+(?:\.\d+)?)\s*$`)

func parseFilterExpr(expr string) (registry.Filter, error) {
	m := filterExprPattern.FindStringSubmatch(expr)
	if m == nil {
		return registry.Filter{}, fmt.Errorf("%w: unsupported filter expression %q", mwerr.ErrInvalidArgument, expr)
	}
	field, op, numStr := m[1], m[2], m[3]
	threshold, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return registry.Filter{}, fmt.Errorf("%w: %v", mwerr.ErrInvalidArgument, err)
	}
	matches := func(body []byte) bool {
		var doc map[string]json.Number
		if err := json.Unmarshal(body, &doc); err != nil {
			return false
		}
		n, ok := doc[field]
		if !ok {
			return false
		}
		v, err := n.Float64()
		if err != nil {
			return false
		}
		switch op {
		case ">":
			return v > threshold
		case "<":
			return v < threshold
		case ">=":
			return v >= threshold
		case "<=":
			return v <= threshold
		case "==":
			return v == threshold
		case "!=":
			return v != threshold
		default:
			return false
		}
	}
	return registry.Filter{Expr: expr, Matches: matches}, nil
}

func (c *Core) handleAddFilter(ctx context.Context, args [][]byte) error {
	var req addFilterArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	f, err := parseFilterExpr(req.Expr)
	if err != nil {
		return err
	}
	lep.AddFilter(f)
	return nil
}

func (c *Core) handleResetFilter(ctx context.Context, args [][]byte) error {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	lep.ResetFilter()
	return nil
}

type accessArgs struct {
	EpID     string   `json:"ep_id"`
	Subjects []string `json:"subjects"`
}

func (c *Core) handleSetAccess(ctx context.Context, args [][]byte) error {
	var req accessArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	lep.SetAccess(req.Subjects)
	return nil
}

func (c *Core) handleResetAccess(ctx context.Context, args [][]byte) error {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return err
	}
	lep, err := c.lookupEndpoint(req.EpID)
	if err != nil {
		return err
	}
	lep.ResetAccess()
	return nil
}

func (c *Core) handleGetAllConns(ctx context.Context, args [][]byte) (string, error) {
	var req endpointIDArgs
	if err := unmarshalArg(args, &req); err != nil {
		return "[]", nil
	}
	conns, err := c.mapperTbl.ConnectionsFor(req.EpID)
	if err != nil {
		return "[]", nil
	}
	return string(conns), nil
}

// --- lifecycle & dynamic loading --------------------------------------------

func (c *Core) handleTerminate(ctx context.Context, args [][]byte) error {
	if c.shutdown != nil {
		c.shutdown()
	}
	return nil
}

type loadComModuleArgs struct {
	Module string            `json:"module"`
	Bridge bool              `json:"bridge"`
	Listen string            `json:"listen"`
	Params map[string]string `json:"params"`
}

func (c *Core) handleLoadComModule(ctx context.Context, args [][]byte) (int, error) {
	var req loadComModuleArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	mod, err := c.loadTransport(ctx, config.TransportConfig{
		Module: req.Module,
		Bridge: req.Bridge,
		Listen: req.Listen,
		Params: req.Params,
	})
	if err != nil {
		return mwerr.Code(err), nil
	}
	c.registerTransport(req.Module, mod, req.Bridge)
	return 0, nil
}

type loadAccModuleArgs struct {
	Path string `json:"path"`
}

func (c *Core) handleLoadAccModule(ctx context.Context, args [][]byte) (int, error) {
	var req loadAccModuleArgs
	if err := unmarshalArg(args, &req); err != nil {
		return mwerr.Code(err), nil
	}
	if _, err := c.access.LoadFromFile(ctx, req.Path); err != nil {
		return mwerr.Code(err), nil
	}
	return 0, nil
}
