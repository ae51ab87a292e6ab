// Package codec implements the component/core command frame encoding and
// decoding: a fixed-width streaming form and a structured JSON form, both
// accepted on receive. Command, delivery and reply frames share one shape,
// distinguished by an optional leading direction tag.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/basket/mwcore/internal/mwerr"
	"github.com/basket/mwcore/internal/wire"
)

// cmdTag is the two-digit message kind for a command frame.
const cmdTag = "15"

// CommandFrame is the decoded form of a component↔core frame.
type CommandFrame struct {
	Direction  wire.Direction // 0 if the frame carries no direction tag
	ModuleID   string
	FunctionID string
	ReturnType wire.ReturnKind
	MsgID      string
	Args       [][]byte
}

// padRight pads s with fill to width, truncating if s is already longer.
func padRight(s string, width int, fill byte) string {
	if len(s) >= width {
		return s[:width]
	}
	b := make([]byte, width)
	copy(b, s)
	for i := len(s); i < width; i++ {
		b[i] = fill
	}
	return string(b)
}

// padLeft pads s with fill on the left to width, truncating on the left if
// s is already longer.
func padLeft(s string, width int, fill byte) string {
	if len(s) >= width {
		return s[len(s)-width:]
	}
	b := make([]byte, width)
	for i := 0; i < width-len(s); i++ {
		b[i] = fill
	}
	copy(b[width-len(s):], s)
	return string(b)
}

// EncodeStreaming renders f using the fixed-width streaming encoding.
func (f CommandFrame) EncodeStreaming() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if f.Direction != 0 {
		buf.WriteByte(byte(f.Direction))
	}
	buf.WriteByte('{')
	buf.WriteString(cmdTag)
	buf.WriteByte('}')

	buf.WriteByte('{')
	buf.WriteString(padRight(f.ModuleID, wire.ModuleIDWidth, ' '))
	buf.WriteByte('}')

	buf.WriteByte('{')
	buf.WriteString(padRight(f.FunctionID, wire.FunctionIDWidth, '_'))
	buf.WriteByte('}')

	buf.WriteByte('{')
	buf.WriteString(padRight(string(f.ReturnType), wire.ReturnTypeWidth, ' '))
	buf.WriteByte('}')

	buf.WriteByte('{')
	buf.WriteString(padLeft(f.MsgID, wire.MessageIDWidth, '0'))
	buf.WriteByte('}')

	buf.WriteByte('{') // argsblock open
	for _, arg := range f.Args {
		fmt.Fprintf(&buf, "{%010d}", len(arg))
		buf.Write(arg)
	}
	fmt.Fprintf(&buf, "{%010d}", 0)
	buf.WriteByte('}') // argsblock close

	buf.WriteByte('}') // outer close
	return buf.Bytes()
}

// structuredDoc is the JSON shape of the structured encoding path.
type structuredDoc struct {
	ModuleID   string   `json:"module_id"`
	FunctionID string   `json:"function_id"`
	ReturnType string   `json:"return_type"`
	Args       []string `json:"args"`
	MsgID      string   `json:"msg_id"`
	Status     string   `json:"status"`
}

// EncodeStructured renders f as a structured JSON object.
func (f CommandFrame) EncodeStructured() ([]byte, error) {
	doc := structuredDoc{
		ModuleID:   f.ModuleID,
		FunctionID: f.FunctionID,
		ReturnType: string(f.ReturnType),
		MsgID:      f.MsgID,
		Status:     string(wire.StatusCMD),
	}
	for _, a := range f.Args {
		doc.Args = append(doc.Args, string(a))
	}
	return json.Marshal(doc)
}

// Decode accepts either encoding produced by EncodeStreaming/EncodeStructured
// and returns the logical CommandFrame.
func Decode(raw []byte) (CommandFrame, error) {
	if looksStructured(raw) {
		return decodeStructured(raw)
	}
	return decodeStreaming(raw)
}

func looksStructured(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["module_id"]
	return ok
}

func decodeStructured(raw []byte) (CommandFrame, error) {
	var doc structuredDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CommandFrame{}, fmt.Errorf("%w: structured decode: %v", mwerr.ErrInvalidArgument, err)
	}
	f := CommandFrame{
		ModuleID:   doc.ModuleID,
		FunctionID: doc.FunctionID,
		ReturnType: wire.ReturnKind(doc.ReturnType),
		MsgID:      doc.MsgID,
	}
	for _, a := range doc.Args {
		f.Args = append(f.Args, []byte(a))
	}
	return f, nil
}

// frameReader walks a streaming-encoded frame by fixed offsets.
type frameReader struct {
	data []byte
	pos  int
}

func (r *frameReader) remaining() int { return len(r.data) - r.pos }

func (r *frameReader) expectByte(b byte) error {
	if r.remaining() < 1 || r.data[r.pos] != b {
		return fmt.Errorf("%w: expected %q at offset %d", mwerr.ErrInvalidArgument, b, r.pos)
	}
	r.pos++
	return nil
}

func (r *frameReader) take(n int) (string, error) {
	if r.remaining() < n {
		return "", fmt.Errorf("%w: frame truncated at offset %d", mwerr.ErrInvalidArgument, r.pos)
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *frameReader) takeBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: frame truncated at offset %d", mwerr.ErrInvalidArgument, r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func decodeStreaming(raw []byte) (CommandFrame, error) {
	if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
		return CommandFrame{}, fmt.Errorf("%w: not a valid frame envelope", mwerr.ErrInvalidArgument)
	}
	body := raw[1 : len(raw)-1]
	r := &frameReader{data: body}

	var f CommandFrame
	if r.remaining() > 0 && body[0] != '{' {
		dirByte, err := r.take(1)
		if err != nil {
			return CommandFrame{}, err
		}
		f.Direction = wire.Direction(dirByte[0])
	}

	if err := r.expectByte('{'); err != nil {
		return CommandFrame{}, err
	}
	tag, err := r.take(2)
	if err != nil {
		return CommandFrame{}, err
	}
	if tag != cmdTag {
		return CommandFrame{}, fmt.Errorf("%w: unknown message kind %q", mwerr.ErrInvalidArgument, tag)
	}
	if err := r.expectByte('}'); err != nil {
		return CommandFrame{}, err
	}

	if err := r.expectByte('{'); err != nil {
		return CommandFrame{}, err
	}
	if f.ModuleID, err = r.take(wire.ModuleIDWidth); err != nil {
		return CommandFrame{}, err
	}
	if err := r.expectByte('}'); err != nil {
		return CommandFrame{}, err
	}

	if err := r.expectByte('{'); err != nil {
		return CommandFrame{}, err
	}
	if f.FunctionID, err = r.take(wire.FunctionIDWidth); err != nil {
		return CommandFrame{}, err
	}
	if err := r.expectByte('}'); err != nil {
		return CommandFrame{}, err
	}

	if err := r.expectByte('{'); err != nil {
		return CommandFrame{}, err
	}
	rt, err := r.take(wire.ReturnTypeWidth)
	if err != nil {
		return CommandFrame{}, err
	}
	f.ReturnType = wire.ReturnKind(rt)
	if err := r.expectByte('}'); err != nil {
		return CommandFrame{}, err
	}

	if err := r.expectByte('{'); err != nil {
		return CommandFrame{}, err
	}
	if f.MsgID, err = r.take(wire.MessageIDWidth); err != nil {
		return CommandFrame{}, err
	}
	if err := r.expectByte('}'); err != nil {
		return CommandFrame{}, err
	}

	if err := r.expectByte('{'); err != nil { // argsblock open
		return CommandFrame{}, err
	}
	for {
		if err := r.expectByte('{'); err != nil {
			return CommandFrame{}, err
		}
		lenStr, err := r.take(wire.LengthWidth)
		if err != nil {
			return CommandFrame{}, err
		}
		if err := r.expectByte('}'); err != nil {
			return CommandFrame{}, err
		}
		n, err := strconv.Atoi(lenStr)
		if err != nil {
			return CommandFrame{}, fmt.Errorf("%w: bad length field %q", mwerr.ErrInvalidArgument, lenStr)
		}
		if n == 0 {
			break
		}
		data, err := r.takeBytes(n)
		if err != nil {
			return CommandFrame{}, err
		}
		cp := make([]byte, n)
		copy(cp, data)
		f.Args = append(f.Args, cp)
	}
	if err := r.expectByte('}'); err != nil { // argsblock close
		return CommandFrame{}, err
	}

	if r.remaining() != 0 {
		return CommandFrame{}, fmt.Errorf("%w: trailing bytes after frame", mwerr.ErrInvalidArgument)
	}

	return f, nil
}

// EncodeIntReply renders n as the 10-character zero-padded decimal integer
// reply body.
func EncodeIntReply(n int) []byte {
	return []byte(fmt.Sprintf("%010d", n))
}
