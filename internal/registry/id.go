package registry

import (
	"crypto/rand"
	"sync/atomic"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// idLen matches wire.EndpointIDWidth/wire.MessageIDWidth (both 10); kept as
// an unexported constant here to avoid an import cycle on wire for a single
// literal.
const idLen = 10

// IDGenerator produces the 10-character opaque, process-unique tokens used
// for both endpoint ids and message ids. The default implementation mixes
// random bytes with a monotonic counter so that even a broken entropy
// source cannot collide within one process.
type IDGenerator interface {
	NewID() string
}

type defaultIDGenerator struct {
	counter atomic.Uint64
}

// NewIDGenerator returns the default process-wide IDGenerator.
func NewIDGenerator() IDGenerator {
	return &defaultIDGenerator{}
}

func (g *defaultIDGenerator) NewID() string {
	n := g.counter.Add(1)

	buf := make([]byte, idLen)
	randBytes := make([]byte, idLen)
	_, _ = rand.Read(randBytes) // crypto/rand.Read never returns an error on supported platforms

	base := uint64(len(idAlphabet))
	for i := 0; i < idLen; i++ {
		// Add one base-62 digit of the monotonic counter to each random
		// character so uniqueness holds even if the random source were to
		// repeat.
		digit := int(n % base)
		n /= base
		buf[i] = idAlphabet[(int(randBytes[i])+digit)%len(idAlphabet)]
	}
	return string(buf)
}
