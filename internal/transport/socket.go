package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/zmcp/lsp-server/internal/constants"
)

// NewConn starts a transport over an established connection. The connection
// is closed by Join once the writer has drained.
func NewConn(conn net.Conn, opts ...Option) *Transport {
	o := buildOptions("conn", opts)
	o.closers = append(o.closers, conn)
	t := newStream(conn, conn, o)
	t.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Connection established")
	return t
}

// DialTCP connects to a listening client at addr
func DialTCP(ctx context.Context, addr string, opts ...Option) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConn(conn, append([]Option{WithName(constants.TransportTCP)}, opts...)...), nil
}

// ListenTCP listens on addr and accepts exactly one connection. ready, when
// non-nil, receives the bound address before Accept blocks, which lets
// callers listen on port 0.
func ListenTCP(ctx context.Context, addr string, ready chan<- net.Addr, opts ...Option) (*Transport, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer ln.Close()

	if ready != nil {
		ready <- ln.Addr()
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept on %s: %w", ln.Addr(), err)
	}
	return NewConn(conn, append([]Option{WithName(constants.TransportTCP)}, opts...)...), nil
}
