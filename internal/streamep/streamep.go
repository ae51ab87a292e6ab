// Package streamep implements stream endpoints: STR_SRC/STR_SNK endpoints
// bypass the JSON router for payload bytes, instead writing/reading through
// an OS pipe the core allocates on STREAM_CMD.
package streamep

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/basket/mwcore/internal/mwerr"
)

// ChunkSize is the default write granularity used when draining a STREAM
// frame's payload into the pipe.
const ChunkSize = 500

// Pipe is one open stream endpoint's byte-pipe, created on STREAM_CMD
// cmd=1 and torn down on STREAM_CMD cmd=0.
type Pipe struct {
	Path     string // advertised to the component as the pipe's location
	OpenedAt time.Time

	chunk  int
	mu     sync.Mutex
	reader *os.File
	writer *os.File
	closed bool
}

// Registry owns the set of open stream pipes, keyed by endpoint id.
type Registry struct {
	mu    sync.Mutex
	chunk int
	pipes map[string]*Pipe
}

// NewRegistry creates an empty stream-pipe registry writing in ChunkSize
// chunks.
func NewRegistry() *Registry {
	return &Registry{chunk: ChunkSize, pipes: make(map[string]*Pipe)}
}

// SetChunkSize overrides the write granularity for pipes opened after the
// call. Values <= 0 are ignored.
func (r *Registry) SetChunkSize(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunk = n
}

// Open allocates a new OS pipe for endpointID (STREAM_CMD cmd=1), returning
// its advertised path. Returns an error if a pipe is already open for this
// endpoint.
func (r *Registry) Open(endpointID string) (*Pipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pipes[endpointID]; exists {
		return nil, fmt.Errorf("%w: stream pipe already open for endpoint %q", mwerr.ErrInvalidArgument, endpointID)
	}

	rd, wr, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}

	p := &Pipe{Path: fmt.Sprintf("/proc/self/fd/%d", wr.Fd()), OpenedAt: time.Now(), chunk: r.chunk, reader: rd, writer: wr}
	r.pipes[endpointID] = p
	return p, nil
}

// Close tears down the pipe for endpointID (STREAM_CMD cmd=0). Idempotent:
// closing an endpoint with no open pipe is not an error.
func (r *Registry) Close(endpointID string) error {
	r.mu.Lock()
	p, ok := r.pipes[endpointID]
	if ok {
		delete(r.pipes, endpointID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.close()
}

// Get returns the open pipe for endpointID, if any.
func (r *Registry) Get(endpointID string) (*Pipe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipes[endpointID]
	return p, ok
}

// StaleEndpoints returns the endpoint ids of every open pipe older than
// olderThan, used by internal/housekeeping to close stream pipes whose
// owning endpoint was removed without a matching STREAM_CMD cmd=0.
func (r *Registry) StaleEndpoints(olderThan time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var stale []string
	for id, p := range r.pipes {
		if now.Sub(p.OpenedAt) > olderThan {
			stale = append(stale, id)
		}
	}
	return stale
}

func (p *Pipe) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	// Only the write end is closed: a reader still receives the bytes already
	// in the pipe, then EOF. The read end's descriptor is released when its
	// *os.File is garbage-collected.
	return p.writer.Close()
}

// WriteStream drains a STREAM frame's payload into the pipe in ChunkSize
// writes, clamping the final chunk to the bytes actually remaining.
func (p *Pipe) WriteStream(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("%w: stream pipe closed", mwerr.ErrTransport)
	}

	chunk := p.chunk
	if chunk <= 0 {
		chunk = ChunkSize
	}
	total := 0
	for total < len(data) {
		n := chunk
		if remaining := len(data) - total; remaining < n {
			n = remaining
		}
		written, err := p.writer.Write(data[total : total+n])
		total += written
		if err != nil {
			return total, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
		}
	}
	return total, nil
}

// ReadAll drains everything currently buffered in the pipe without
// blocking past EOF-on-close; used by STR_SNK consumers in tests. Real
// component-side consumers read the named pipe directly via Path.
func (p *Pipe) ReadAll() ([]byte, error) {
	return io.ReadAll(p.reader)
}

// Reader exposes the read end for STR_SNK consumers that want to stream
// rather than buffer the whole payload.
func (p *Pipe) Reader() io.Reader {
	return p.reader
}
