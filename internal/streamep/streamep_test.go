package streamep

import (
	"bytes"
	"testing"
)

// TestStreamRoundTrip: open a pipe, write 10,000 bytes through WriteStream,
// read exactly 10,000 bytes in order on the other end, close.
func TestStreamRoundTrip(t *testing.T) {
	reg := NewRegistry()
	p, err := reg.Open("ep-src")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	readDone := make(chan []byte, 1)
	go func() {
		got, _ := p.ReadAll()
		readDone <- got
	}()

	n, err := p.WriteStream(payload)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	if err := reg.Close("ep-src"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := <-readDone
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %d bytes, want %d bytes matching original", len(got), len(payload))
	}

	if _, ok := reg.Get("ep-src"); ok {
		t.Fatal("pipe should be gone from the registry after Close")
	}
}

// TestWriteStreamClampsFinalChunk: the final chunk must be clamped to the
// bytes remaining, not always ChunkSize, so a length that isn't a multiple
// of ChunkSize doesn't over-read past the payload.
func TestWriteStreamClampsFinalChunk(t *testing.T) {
	reg := NewRegistry()
	p, err := reg.Open("ep-partial")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close("ep-partial")

	payload := bytes.Repeat([]byte{0xAB}, ChunkSize+37) // one full chunk + a short final chunk

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		total := 0
		for total < len(buf) {
			n, err := p.Reader().Read(buf[total:])
			total += n
			if err != nil {
				break
			}
		}
		readDone <- buf[:total]
	}()

	n, err := p.WriteStream(payload)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	got := <-readDone
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %d bytes not matching the %d-byte payload", len(got), len(payload))
	}
}

func TestOpenTwiceRejected(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Open("dup"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer reg.Close("dup")

	if _, err := reg.Open("dup"); err == nil {
		t.Fatal("expected an error opening a second pipe for the same endpoint")
	}
}

func TestCloseUnknownEndpointIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Close("never-opened"); err != nil {
		t.Fatalf("closing an unknown endpoint should be a no-op, got %v", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	reg := NewRegistry()
	p, err := reg.Open("ep-closed")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := reg.Close("ep-closed"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.WriteStream([]byte("x")); err == nil {
		t.Fatal("expected an error writing to a closed pipe")
	}
}
