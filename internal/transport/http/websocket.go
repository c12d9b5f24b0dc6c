// Package http carries the framed protocol over WebSocket connections. Each
// connection becomes one stream transport; frames keep their Content-Length
// headers so the codec is the same as on stdio or TCP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/zmcp/lsp-server/internal/constants"
	"github.com/zmcp/lsp-server/internal/debug"
	"github.com/zmcp/lsp-server/internal/transport"
)

// A single frame may span several WebSocket messages, but each message still
// has to fit this limit.
const maxMessageSize = 32 << 20

// ServeFunc handles one accepted connection. The connection is torn down when
// it returns, so it must Join the transport before returning.
type ServeFunc func(ctx context.Context, t *transport.Transport)

// Server accepts WebSocket connections on constants.WebSocketPath and hands
// each one to a ServeFunc.
type Server struct {
	addr        string
	serve       ServeFunc
	opts        []transport.Option
	allowRemote bool
	log         zerolog.Logger
	server      *http.Server
}

// NewServer creates a WebSocket server. Non-loopback clients are refused
// unless allowRemote is set.
func NewServer(addr string, serve ServeFunc, allowRemote bool, log zerolog.Logger, opts ...transport.Option) *Server {
	return &Server{
		addr:        addr,
		serve:       serve,
		opts:        opts,
		allowRemote: allowRemote,
		log:         log,
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.WebSocketPath, s.handleLSP)
	mux.HandleFunc(constants.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"transport": constants.TransportWebSocket,
			"server":    constants.ServerName,
			"version":   constants.ServerVersion,
		})
	})
	return s.addSecurityHeaders(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Str("path", constants.WebSocketPath).Msg("WebSocket server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down websocket server: %w", err)
	}
	return nil
}

func (s *Server) addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowRemote && !isLocalhost(r.RemoteAddr) {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("Refusing remote connection")
			http.Error(w, "Remote connections not allowed", http.StatusForbidden)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLSP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket handshake failed")
		return
	}
	c.SetReadLimit(maxMessageSize)

	ctx := r.Context()
	conn := newWSConn(websocket.NetConn(ctx, c, websocket.MessageText), s.log)
	opts := append([]transport.Option{transport.WithName(constants.TransportWebSocket)}, s.opts...)
	s.serve(ctx, transport.NewConn(conn, opts...))
}

// Dial connects to a WebSocket endpoint and starts a transport over it.
// Header values are masked before they are logged.
func Dial(ctx context.Context, url string, header http.Header, log zerolog.Logger, opts ...transport.Option) (*transport.Transport, error) {
	event := log.Debug().Str("url", debug.MaskURL(url))
	for name, values := range header {
		event = event.Str("header."+strings.ToLower(name), debug.MaskHeader(name, strings.Join(values, ", ")))
	}
	event.Msg("Dialing WebSocket")

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", debug.MaskURL(url), err)
	}
	c.SetReadLimit(maxMessageSize)

	// The dial context may be short lived; the connection outlives it
	conn := newWSConn(websocket.NetConn(context.Background(), c, websocket.MessageText), log)
	opts = append([]transport.Option{transport.WithName(constants.TransportWebSocket)}, opts...)
	return transport.NewConn(conn, opts...), nil
}

// wsConn reports reads failing after a local Close as net.ErrClosed, so the
// transport treats them like a closed socket. Close handshake failures are
// logged, not returned: the connection is gone either way.
type wsConn struct {
	net.Conn
	closed atomic.Bool
	log    zerolog.Logger
}

func newWSConn(conn net.Conn, log zerolog.Logger) *wsConn {
	return &wsConn{Conn: conn, log: log}
}

func (c *wsConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && c.closed.Load() {
		err = fmt.Errorf("%w: %v", net.ErrClosed, err)
	}
	return n, err
}

func (c *wsConn) Close() error {
	c.closed.Store(true)
	if err := c.Conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("WebSocket close handshake failed")
	}
	return nil
}

func isLocalhost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
