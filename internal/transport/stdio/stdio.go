// Package stdio runs a transport over the process's standard input and
// output. Stdout carries protocol frames only; logs go to stderr.
package stdio

import (
	"errors"
	"io"
	"os"
	"sync/atomic"

	"github.com/zmcp/lsp-server/internal/constants"
	"github.com/zmcp/lsp-server/internal/transport"
)

// ErrStdioInUse is returned when a stdio transport already owns the process's
// standard streams.
var ErrStdioInUse = errors.New("stdio transport already in use")

// owned guards stdin and stdout: two readers on one stdin would split frames.
var owned atomic.Bool

// New starts a transport on os.Stdin and os.Stdout. Only one may exist at a
// time. The streams are released when the reader goroutine exits, which is
// never while it is still blocked reading stdin.
func New(opts ...transport.Option) (*transport.Transport, error) {
	return open(os.Stdin, os.Stdout, opts...)
}

func open(r io.Reader, w io.Writer, opts ...transport.Option) (*transport.Transport, error) {
	if !owned.CompareAndSwap(false, true) {
		return nil, ErrStdioInUse
	}

	opts = append([]transport.Option{transport.WithName(constants.TransportStdio)}, opts...)
	tr := transport.NewStream(r, w, opts...)
	go func() {
		<-tr.Threads().ReaderDone()
		owned.Store(false)
	}()
	return tr, nil
}
