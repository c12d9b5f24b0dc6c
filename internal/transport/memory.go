package transport

import (
	"github.com/zmcp/lsp-server/internal/protocol"
)

// NewMemoryPair returns two transports wired back to back with no bytes and
// no goroutines in between: what one sends, the other receives. Closing one
// side closes the receiver of the other. Tracers and closers are ignored.
func NewMemoryPair(opts ...Option) (*Transport, *Transport) {
	o := buildOptions("memory", opts)

	aToB := make(chan protocol.Message)
	bToA := make(chan protocol.Message)

	a := &Transport{
		sender:   aToB,
		receiver: bToA,
		done:     make(chan struct{}),
		log:      o.connLogger(),
	}
	b := &Transport{
		sender:   bToA,
		receiver: aToB,
		done:     make(chan struct{}),
		log:      o.connLogger(),
	}
	a.peerDone = b.done
	b.peerDone = a.done

	return a, b
}
