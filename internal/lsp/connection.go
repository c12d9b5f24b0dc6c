// Package lsp drives the lifecycle of one language server connection: the
// initialize/initialized handshake, the serving phase owned by the
// application, and the shutdown/exit sequence.
package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zmcp/lsp-server/internal/constants"
	"github.com/zmcp/lsp-server/internal/protocol"
	"github.com/zmcp/lsp-server/internal/transport"
)

// State is a lifecycle phase of a Connection
type State int

const (
	AwaitingInitializeRequest State = iota
	AwaitingInitializedNotification
	Serving
	AwaitingExit
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingInitializeRequest:
		return "AwaitingInitializeRequest"
	case AwaitingInitializedNotification:
		return "AwaitingInitializedNotification"
	case Serving:
		return "Serving"
	case AwaitingExit:
		return "AwaitingExit"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InitializeResult is the result of the initialize request
type InitializeResult struct {
	Capabilities any `json:"capabilities"`
}

// Connection wraps a transport and enforces the message ordering of the
// lifecycle. Its methods are meant to be called from the single goroutine
// running the application's dispatch loop.
type Connection struct {
	t           *transport.Transport
	exitTimeout time.Duration
	log         zerolog.Logger

	mu    sync.Mutex
	state State

	// id of an initialize request received but not yet answered
	pendingInit *protocol.RequestID
}

// Option configures a Connection
type Option func(*Connection)

// WithExitTimeout bounds the wait for the exit notification
func WithExitTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.exitTimeout = d
	}
}

// WithLogger overrides the transport's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) {
		c.log = logger
	}
}

// NewConnection creates a connection in state AwaitingInitializeRequest
func NewConnection(t *transport.Transport, opts ...Option) *Connection {
	c := &Connection{
		t:           t,
		exitTimeout: constants.DefaultExitTimeout,
		log:         t.Logger(),
		state:       AwaitingInitializeRequest,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Connection state changed")
}

// Initialize runs the whole handshake: it waits for the initialize request,
// answers it with the given capabilities, waits for the initialized
// notification and returns the initialize params.
func (c *Connection) Initialize(capabilities any) (json.RawMessage, error) {
	id, params, err := c.InitializeStart()
	if err != nil {
		return nil, err
	}
	if err := c.InitializeFinish(id, InitializeResult{Capabilities: capabilities}); err != nil {
		return nil, err
	}
	return params, nil
}

// InitializeStart waits for the initialize request and returns its id and
// params. The application builds the result from the params and passes it to
// InitializeFinish.
func (c *Connection) InitializeStart() (protocol.RequestID, json.RawMessage, error) {
	if s := c.State(); s != AwaitingInitializeRequest || c.pendingInit != nil {
		return protocol.RequestID{}, nil, protocol.NewHandshakeError(nil, "initialize already started (state %s)", s)
	}

	msg, ok := <-c.t.Receiver()
	if !ok {
		return protocol.RequestID{}, nil, protocol.NewHandshakeError(nil, "expected initialize request, got end of stream")
	}
	req, isReq := msg.(*protocol.Request)
	if !isReq || !req.IsInitialize() {
		c.log.Warn().Str("message", protocol.Describe(msg)).Msg("Handshake violation")
		return protocol.RequestID{}, nil, protocol.NewHandshakeError(nil, "expected initialize request, got %s", protocol.Describe(msg))
	}

	id := req.ID
	c.pendingInit = &id
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	c.log.Info().Stringer("id", req.ID).Msg("Initialize request received")
	return req.ID, params, nil
}

// InitializeFinish answers the pending initialize request with result and
// waits for the initialized notification.
func (c *Connection) InitializeFinish(id protocol.RequestID, result any) error {
	if c.pendingInit == nil {
		return protocol.NewHandshakeError(nil, "no initialize request pending (state %s)", c.State())
	}
	if *c.pendingInit != id {
		return protocol.NewHandshakeError(nil, "initialize result for id %s, pending request is %s", id, *c.pendingInit)
	}

	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		return err
	}
	if err := c.t.Send(resp); err != nil {
		return fmt.Errorf("failed to send initialize response: %w", err)
	}
	c.pendingInit = nil
	c.setState(AwaitingInitializedNotification)

	msg, ok := <-c.t.Receiver()
	if !ok {
		return protocol.NewHandshakeError(nil, "expected initialized notification, got end of stream")
	}
	n, isNotif := msg.(*protocol.Notification)
	if !isNotif || !n.IsInitialized() {
		c.log.Warn().Str("message", protocol.Describe(msg)).Msg("Handshake violation")
		return protocol.NewHandshakeError(nil, "expected initialized notification, got %s", protocol.Describe(msg))
	}

	c.setState(Serving)
	c.log.Info().Msg("Handshake complete")
	return nil
}

// HandleShutdown answers req with a null result when it is a shutdown request
// and the connection is serving. It reports whether req was handled; any other
// request is left to the caller.
func (c *Connection) HandleShutdown(req *protocol.Request) (bool, error) {
	if req == nil || !req.IsShutdown() || c.State() != Serving {
		return false, nil
	}

	resp, err := protocol.NewResponse(req.ID, nil)
	if err != nil {
		return false, err
	}
	if err := c.t.Send(resp); err != nil {
		return false, fmt.Errorf("failed to send shutdown response: %w", err)
	}

	c.setState(AwaitingExit)
	c.log.Info().Stringer("id", req.ID).Msg("Shutdown requested")
	return true, nil
}

// WaitExit waits for the exit notification. On success the connection is
// closed and the sender channel with it. Any other message, the end of the
// stream or the exit timeout is a handshake violation.
func (c *Connection) WaitExit() error {
	if s := c.State(); s != Serving && s != AwaitingExit {
		return protocol.NewHandshakeError(nil, "cannot wait for exit in state %s", s)
	}

	timer := time.NewTimer(c.exitTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-c.t.Receiver():
		if !ok {
			return protocol.NewHandshakeError(nil, "expected exit notification, got end of stream")
		}
		n, isNotif := msg.(*protocol.Notification)
		if !isNotif || !n.IsExit() {
			c.log.Warn().Str("message", protocol.Describe(msg)).Msg("Unexpected message while waiting for exit")
			return protocol.NewHandshakeError(nil, "expected exit notification, got %s", protocol.Describe(msg))
		}
	case <-timer.C:
		c.log.Warn().Dur("timeout", c.exitTimeout).Msg("No exit notification")
		return protocol.NewHandshakeError(protocol.ErrExitTimeout, "no exit notification within %s", c.exitTimeout)
	}

	c.setState(Closed)
	c.t.Close()
	return nil
}

// Logger returns the connection's logger
func (c *Connection) Logger() zerolog.Logger {
	return c.log
}

// Send hands msg to the transport
func (c *Connection) Send(msg protocol.Message) error {
	return c.t.Send(msg)
}

// Sender returns the outgoing channel of the transport
func (c *Connection) Sender() chan<- protocol.Message {
	return c.t.Sender()
}

// Receiver returns the incoming channel of the transport
func (c *Connection) Receiver() <-chan protocol.Message {
	return c.t.Receiver()
}

// Close closes the transport without waiting for it
func (c *Connection) Close() {
	c.t.Close()
}

// Join waits for the transport goroutines and returns the first I/O error
func (c *Connection) Join() error {
	return c.t.Join()
}

// JoinContext is Join bounded by ctx
func (c *Connection) JoinContext(ctx context.Context) error {
	return c.t.JoinContext(ctx)
}
