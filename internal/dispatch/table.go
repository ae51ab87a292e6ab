// Package dispatch implements the core's four return-kind-keyed dispatch
// tables: on receiving a command frame, look up the handler by a
// fixed-width key of (module_id, function_id, return_type), invoke it, and,
// unless the return kind is voi, synthesise a reply frame addressed to the
// originating message id.
package dispatch

import (
	"context"
	"fmt"

	"github.com/basket/mwcore/internal/codec"
	"github.com/basket/mwcore/internal/mwerr"
	"github.com/basket/mwcore/internal/wire"
)

// VoidHandler performs an action with no reply payload.
type VoidHandler func(ctx context.Context, args [][]byte) error

// IntHandler returns an integer status.
type IntHandler func(ctx context.Context, args [][]byte) (int, error)

// StrHandler returns a string payload.
type StrHandler func(ctx context.Context, args [][]byte) (string, error)

// MsgHandler returns a full wire.Message (used by the ep_fetch_* family).
type MsgHandler func(ctx context.Context, args [][]byte) (wire.Message, error)

// key is the fixed-width dispatch-table key: module_id(4) + function_id(17)
// + return_type(3), exactly as it appears on the wire.
type key string

func makeKey(moduleID, functionID string, rt wire.ReturnKind) key {
	mod := padRight(moduleID, wire.ModuleIDWidth)
	fn := padRightUnderscore(functionID, wire.FunctionIDWidth)
	return key(mod + fn + string(rt))
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	b := make([]byte, width)
	copy(b, s)
	for i := len(s); i < width; i++ {
		b[i] = ' '
	}
	return string(b)
}

func padRightUnderscore(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	b := make([]byte, width)
	copy(b, s)
	for i := len(s); i < width; i++ {
		b[i] = '_'
	}
	return string(b)
}

// Table holds the four return-kind-keyed dispatch tables.
type Table struct {
	voi map[key]VoidHandler
	ival map[key]IntHandler
	str map[key]StrHandler
	msg map[key]MsgHandler
}

// NewTable returns an empty Table; callers register handlers via RegisterVoid
// etc, typically from a single construction site that names every entry in
// CanonicalNames (see the core package's wiring).
func NewTable() *Table {
	return &Table{
		voi:  make(map[key]VoidHandler),
		ival: make(map[key]IntHandler),
		str:  make(map[key]StrHandler),
		msg:  make(map[key]MsgHandler),
	}
}

func (t *Table) RegisterVoid(moduleID, functionID string, h VoidHandler) {
	t.voi[makeKey(moduleID, functionID, wire.ReturnVoi)] = h
}

func (t *Table) RegisterInt(moduleID, functionID string, h IntHandler) {
	t.ival[makeKey(moduleID, functionID, wire.ReturnInt)] = h
}

func (t *Table) RegisterStr(moduleID, functionID string, h StrHandler) {
	t.str[makeKey(moduleID, functionID, wire.ReturnStr)] = h
}

func (t *Table) RegisterMsg(moduleID, functionID string, h MsgHandler) {
	t.msg[makeKey(moduleID, functionID, wire.ReturnMsg)] = h
}

// Has reports whether a handler is registered for the given name/return
// kind, used by the dispatch-completeness tests.
func (t *Table) Has(moduleID, functionID string, rt wire.ReturnKind) bool {
	k := makeKey(moduleID, functionID, rt)
	switch rt {
	case wire.ReturnVoi:
		_, ok := t.voi[k]
		return ok
	case wire.ReturnInt:
		_, ok := t.ival[k]
		return ok
	case wire.ReturnStr:
		_, ok := t.str[k]
		return ok
	case wire.ReturnMsg:
		_, ok := t.msg[k]
		return ok
	default:
		return false
	}
}

// Reply is the outcome of dispatching a command frame: either a frame to
// send back (direction tag 'b'), or nothing for voi calls and unknown keys.
type Reply struct {
	Frame *codec.CommandFrame
}

// Dispatch looks up and invokes the handler for f's (module_id, function_id,
// return_type), returning the reply frame to send (nil for voi/unknown).
// Unknown keys yield a null/absent reply, not an error.
func (t *Table) Dispatch(ctx context.Context, f codec.CommandFrame) (*Reply, error) {
	k := key(padRight(f.ModuleID, wire.ModuleIDWidth) + padRightUnderscore(f.FunctionID, wire.FunctionIDWidth) + string(f.ReturnType))

	switch f.ReturnType {
	case wire.ReturnVoi:
		h, ok := t.voi[k]
		if !ok {
			return nil, nil
		}
		if err := h(ctx, f.Args); err != nil {
			return nil, err
		}
		return nil, nil

	case wire.ReturnInt:
		h, ok := t.ival[k]
		if !ok {
			return nil, nil
		}
		n, err := h(ctx, f.Args)
		if err != nil {
			n = mwerr.Code(err)
		}
		return &Reply{Frame: &codec.CommandFrame{
			Direction:  wire.DirReply,
			ModuleID:   f.ModuleID,
			FunctionID: f.FunctionID,
			ReturnType: wire.ReturnInt,
			MsgID:      f.MsgID,
			Args:       [][]byte{codec.EncodeIntReply(n)},
		}}, nil

	case wire.ReturnStr:
		h, ok := t.str[k]
		if !ok {
			return nil, nil
		}
		s, err := h(ctx, f.Args)
		if err != nil {
			return nil, err
		}
		return &Reply{Frame: &codec.CommandFrame{
			Direction:  wire.DirReply,
			ModuleID:   f.ModuleID,
			FunctionID: f.FunctionID,
			ReturnType: wire.ReturnStr,
			MsgID:      f.MsgID,
			Args:       [][]byte{[]byte(s)},
		}}, nil

	case wire.ReturnMsg:
		h, ok := t.msg[k]
		if !ok {
			return nil, nil
		}
		m, err := h(ctx, f.Args)
		if err != nil {
			return nil, err
		}
		return &Reply{Frame: &codec.CommandFrame{
			Direction:  wire.DirReply,
			ModuleID:   f.ModuleID,
			FunctionID: f.FunctionID,
			ReturnType: wire.ReturnMsg,
			MsgID:      f.MsgID,
			Args:       [][]byte{m.Body},
		}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown return type %q", mwerr.ErrInvalidArgument, f.ReturnType)
	}
}

// CanonicalNames is the exhaustive list of (function_id, return_kind) pairs
// for module "core", used both to drive registration in the core package
// and by the completeness test.
var CanonicalNames = []struct {
	Function string
	Return   wire.ReturnKind
}{
	{"register_endpoint", wire.ReturnInt},
	{"remove_endpoint", wire.ReturnVoi},
	{"map", wire.ReturnInt},
	{"map_module", wire.ReturnInt},
	{"map_lookup", wire.ReturnVoi},
	{"unmap", wire.ReturnInt},
	{"unmap_connection", wire.ReturnInt},
	{"unmap_all", wire.ReturnInt},
	{"divert", wire.ReturnInt},
	{"ep_more_messages", wire.ReturnInt},
	{"ep_more_requests", wire.ReturnInt},
	{"ep_more_responses", wire.ReturnInt},
	{"ep_send_message", wire.ReturnVoi},
	{"ep_send_request", wire.ReturnVoi},
	{"ep_send_response", wire.ReturnVoi},
	{"ep_stream_start", wire.ReturnVoi},
	{"ep_stream_stop", wire.ReturnVoi},
	{"ep_stream_send", wire.ReturnVoi},
	{"ep_fetch_message", wire.ReturnMsg},
	{"ep_fetch_request", wire.ReturnMsg},
	{"ep_fetch_response", wire.ReturnMsg},
	{"add_manifest", wire.ReturnVoi},
	{"get_manifest", wire.ReturnStr},
	{"add_rdc", wire.ReturnVoi},
	{"rdc_register", wire.ReturnVoi},
	{"rdc_unregister", wire.ReturnVoi},
	{"ep_add_filter", wire.ReturnVoi},
	{"ep_reset_filter", wire.ReturnVoi},
	{"ep_set_access", wire.ReturnVoi},
	{"ep_reset_access", wire.ReturnVoi},
	{"ep_get_all_conns", wire.ReturnStr},
	{"get_remote_manif", wire.ReturnStr},
	{"terminate", wire.ReturnVoi},
	{"load_com_module", wire.ReturnInt},
	{"load_acc_module", wire.ReturnInt},
}
