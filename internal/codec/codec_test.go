package codec

import (
	"bytes"
	"testing"

	"github.com/basket/mwcore/internal/wire"
)

func TestEncodeDecodeStreamingRoundTrip(t *testing.T) {
	f := CommandFrame{
		ModuleID:   "core",
		FunctionID: "map",
		ReturnType: wire.ReturnInt,
		MsgID:      "0000000001",
		Args:       [][]byte{[]byte("ep-id-001"), []byte(`{"q":[]}`)},
	}
	enc := f.EncodeStreaming()

	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ModuleID != "core" {
		t.Errorf("module_id = %q", got.ModuleID)
	}
	if got.FunctionID != padRight("map", wire.FunctionIDWidth, '_') {
		t.Errorf("function_id = %q", got.FunctionID)
	}
	if got.ReturnType != wire.ReturnInt {
		t.Errorf("return_type = %q", got.ReturnType)
	}
	if got.MsgID != "0000000001" {
		t.Errorf("msg_id = %q", got.MsgID)
	}
	if len(got.Args) != 2 || string(got.Args[0]) != "ep-id-001" || string(got.Args[1]) != `{"q":[]}` {
		t.Fatalf("args mismatch: %v", got.Args)
	}
	if got.Direction != 0 {
		t.Errorf("expected no direction tag, got %q", got.Direction)
	}
}

func TestEncodeDecodeWithDirectionTag(t *testing.T) {
	f := CommandFrame{
		Direction:  wire.DirReply,
		ModuleID:   "core",
		FunctionID: "get_manifest",
		ReturnType: wire.ReturnStr,
		MsgID:      "0000000042",
	}
	enc := f.EncodeStreaming()
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Direction != wire.DirReply {
		t.Errorf("direction = %q, want %q", got.Direction, wire.DirReply)
	}
}

func TestEncodeDecodeNoArgs(t *testing.T) {
	f := CommandFrame{
		ModuleID:   "core",
		FunctionID: "terminate",
		ReturnType: wire.ReturnVoi,
		MsgID:      "0000000099",
	}
	enc := f.EncodeStreaming()
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got.Args) != 0 {
		t.Fatalf("expected no args, got %v", got.Args)
	}
}

func TestEncodeDecodeBinarySafeArg(t *testing.T) {
	weird := []byte{0x00, '{', '}', '"', '\'', '\\', 0xFF, '\n'}
	f := CommandFrame{
		ModuleID:   "core",
		FunctionID: "ep_send_message",
		ReturnType: wire.ReturnVoi,
		MsgID:      "0000000007",
		Args:       [][]byte{weird},
	}
	enc := f.EncodeStreaming()
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got.Args) != 1 || !bytes.Equal(got.Args[0], weird) {
		t.Fatalf("binary arg mismatch: %v", got.Args)
	}
}

func TestDecodeStructured(t *testing.T) {
	f := CommandFrame{
		ModuleID:   "core",
		FunctionID: "add_manifest",
		ReturnType: wire.ReturnVoi,
		MsgID:      "0000000003",
		Args:       [][]byte{[]byte("manifest-blob")},
	}
	enc, err := f.EncodeStructured()
	if err != nil {
		t.Fatalf("encode structured failed: %v", err)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ModuleID != "core" || got.FunctionID != "add_manifest" {
		t.Fatalf("decoded mismatch: %+v", got)
	}
	if len(got.Args) != 1 || string(got.Args[0]) != "manifest-blob" {
		t.Fatalf("args mismatch: %v", got.Args)
	}
}

func TestFunctionIDPadding(t *testing.T) {
	f := CommandFrame{ModuleID: "core", FunctionID: "x", ReturnType: wire.ReturnVoi, MsgID: "0000000001"}
	enc := f.EncodeStreaming()
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "x________________"[:wire.FunctionIDWidth]
	if got.FunctionID != want {
		t.Errorf("function_id = %q, want %q", got.FunctionID, want)
	}
}

func TestEncodeIntReply(t *testing.T) {
	if string(EncodeIntReply(3)) != "0000000003" {
		t.Errorf("got %q", EncodeIntReply(3))
	}
	if string(EncodeIntReply(-1)) != "-000000001" {
		t.Errorf("got %q", EncodeIntReply(-1))
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte("{{15}{core"))
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestDecodeMultipleArgsAndTerminator(t *testing.T) {
	f := CommandFrame{
		ModuleID:   "core",
		FunctionID: "map",
		ReturnType: wire.ReturnInt,
		MsgID:      "0000000005",
		Args:       [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")},
	}
	enc := f.EncodeStreaming()
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(got.Args))
	}
}
