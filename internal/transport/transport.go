// Package transport turns a duplex byte stream into a pair of unbuffered
// message channels. A stream transport runs exactly two goroutines: a reader
// decoding frames from the input half and a writer encoding frames onto the
// output half. Each half is touched by one goroutine only.
//
// Both channels are unbuffered: a send completes only when the other side
// receives it. The reader cannot run ahead of the application and the
// application cannot run ahead of the writer, so message order per direction
// is the wire order and memory stays bounded.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zmcp/lsp-server/internal/debug"
	"github.com/zmcp/lsp-server/internal/protocol"
)

// ErrClosed is returned by Send once the transport was closed or its writer
// goroutine has stopped.
var ErrClosed = errors.New("transport closed")

// Transport exposes the two message channels of one connection
type Transport struct {
	sender   chan protocol.Message
	receiver chan protocol.Message
	threads  *IOThreads

	// peerDone is the done channel of the in-memory peer, nil for streams
	peerDone chan struct{}

	// done is closed by Close; mu serializes Close against Send so the
	// sender channel is never closed under an in-flight send.
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex

	log zerolog.Logger
}

// Option configures a transport
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	tracer  *debug.TraceLogger
	closers []io.Closer
	name    string
}

// WithLogger sets the logger. Frames are logged at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer traces every frame to a trace logger
func WithTracer(tracer *debug.TraceLogger) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithCloser registers a resource released after both goroutines exited
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, c)
	}
}

// WithName labels the transport in logs
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		name:   defaultName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) connLogger() zerolog.Logger {
	return o.logger.With().
		Str("transport", o.name).
		Str("conn", uuid.NewString()).
		Logger()
}

// Sender returns the channel of outgoing messages. Sending blocks until the
// writer goroutine (or the in-memory peer) takes the message. Prefer Send,
// which fails instead of blocking on a dead writer.
func (t *Transport) Sender() chan<- protocol.Message {
	return t.sender
}

// Receiver returns the channel of incoming messages. It is closed when the
// input stream ends, after the exit notification, or when the peer of an
// in-memory transport closes.
func (t *Transport) Receiver() <-chan protocol.Message {
	return t.receiver
}

// Threads returns the I/O goroutines, nil for in-memory transports
func (t *Transport) Threads() *IOThreads {
	return t.threads
}

// Logger returns the connection scoped logger
func (t *Transport) Logger() zerolog.Logger {
	return t.log
}

// Send hands msg to the writer. It blocks until the writer takes the message
// and returns ErrClosed if the transport is closed or the writer (or the
// in-memory peer) is gone.
func (t *Transport) Send(msg protocol.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	gone := (<-chan struct{})(t.peerDone)
	if t.threads != nil {
		gone = t.threads.writerDone
	}

	select {
	case t.sender <- msg:
		return nil
	case <-gone:
		return ErrClosed
	case <-t.done:
		return ErrClosed
	}
}

// Close closes the sender channel so the writer drains and exits, and
// releases a reader blocked on a message nobody receives. It is idempotent.
// Close does not wait; use Join for that.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		close(t.sender)
		t.mu.Unlock()
	})
}

// Join waits for the I/O goroutines. It returns nil immediately for in-memory
// transports.
func (t *Transport) Join() error {
	if t.threads == nil {
		return nil
	}
	return t.threads.Join()
}

// JoinContext is Join bounded by ctx. When ctx ends first it returns an error
// wrapping ctx.Err() and leaves the goroutines running; a reader parked on an
// input nobody closes, such as stdin, never returns.
func (t *Transport) JoinContext(ctx context.Context) error {
	if t.threads == nil {
		return nil
	}

	type result struct {
		err      error
		panicked any
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{panicked: r}
			}
		}()
		ch <- result{err: t.threads.Join()}
	}()

	select {
	case r := <-ch:
		if r.panicked != nil {
			panic(r.panicked)
		}
		return r.err
	case <-ctx.Done():
		t.log.Warn().Err(ctx.Err()).Msg("Transport goroutines still running, not waiting")
		return fmt.Errorf("join abandoned: %w", ctx.Err())
	}
}
