package frame

import (
	"bytes"
	"testing"
)

func collect(t *testing.T, chunks [][]byte) [][]byte {
	t.Helper()
	var got [][]byte
	p := New(func(f []byte) {
		cp := make([]byte, len(f))
		copy(cp, f)
		got = append(got, cp)
	})
	for _, c := range chunks {
		p.Feed(c)
	}
	return got
}

func TestParserSingleFrame(t *testing.T) {
	got := collect(t, [][]byte{[]byte(`{"a":1}`)})
	if len(got) != 1 || string(got[0]) != `{"a":1}` {
		t.Fatalf("got %v", got)
	}
}

func TestParserMultipleFramesOneChunk(t *testing.T) {
	got := collect(t, [][]byte{[]byte(`{"a":1}{"b":2}`)})
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(got), got)
	}
	if string(got[0]) != `{"a":1}` || string(got[1]) != `{"b":2}` {
		t.Fatalf("got %v", got)
	}
}

func TestParserNestedBraces(t *testing.T) {
	got := collect(t, [][]byte{[]byte(`{"a":{"b":1}}`)})
	if len(got) != 1 || string(got[0]) != `{"a":{"b":1}}` {
		t.Fatalf("got %v", got)
	}
}

func TestParserBraceInsideString(t *testing.T) {
	got := collect(t, [][]byte{[]byte(`{"a":"}{"}{"b":2}`)})
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(got), got)
	}
	if string(got[0]) != `{"a":"}{"}` {
		t.Fatalf("unexpected first frame: %s", got[0])
	}
}

func TestParserEscapedQuote(t *testing.T) {
	got := collect(t, [][]byte{[]byte(`{"a":"esc\"aped"}`)})
	if len(got) != 1 || string(got[0]) != `{"a":"esc\"aped"}` {
		t.Fatalf("got %v", got)
	}
}

func TestParserSingleQuotedString(t *testing.T) {
	got := collect(t, [][]byte{[]byte(`{"a":'}{'}`)})
	if len(got) != 1 || string(got[0]) != `{"a":'}{'}` {
		t.Fatalf("got %v", got)
	}
}

func TestParserWhitespaceBetweenFrames(t *testing.T) {
	got := collect(t, [][]byte{[]byte("  {\"a\":1}\n\n{\"b\":2}\r\n")})
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(got), got)
	}
}

// TestParserArbitraryChunkBoundaries splits an encoded buffer at every
// offset and confirms the parser yields an identical sequence of frames
// regardless of where the splits fall.
func TestParserArbitraryChunkBoundaries(t *testing.T) {
	full := []byte(`{"module_id":"core","args":["x","y\"z"]}{"b":{"nested":true}}{"c":'single \' quoted'}`)

	baseline := collect(t, [][]byte{full})
	if len(baseline) != 3 {
		t.Fatalf("sanity check failed, expected 3 frames in unsplit input, got %d", len(baseline))
	}

	for split := 1; split < len(full); split++ {
		chunks := [][]byte{full[:split], full[split:]}
		got := collect(t, chunks)
		if len(got) != len(baseline) {
			t.Fatalf("split at %d: frame count mismatch: got %d want %d", split, len(got), len(baseline))
		}
		for i := range got {
			if !bytes.Equal(got[i], baseline[i]) {
				t.Fatalf("split at %d: frame %d mismatch: got %q want %q", split, i, got[i], baseline[i])
			}
		}
	}
}

func TestParserByteAtATime(t *testing.T) {
	full := []byte(`{"a":1}{"b":[1,2,3]}`)
	chunks := make([][]byte, 0, len(full))
	for _, b := range full {
		chunks = append(chunks, []byte{b})
	}
	got := collect(t, chunks)
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(got), got)
	}
	if string(got[0]) != `{"a":1}` || string(got[1]) != `{"b":[1,2,3]}` {
		t.Fatalf("got %v", got)
	}
}
