package transport

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/zmcp/lsp-server/internal/constants"
	"github.com/zmcp/lsp-server/internal/debug"
	"github.com/zmcp/lsp-server/internal/protocol"
)

// NewStream starts a transport over r and w. The reader goroutine owns r and
// the writer goroutine owns w.
func NewStream(r io.Reader, w io.Writer, opts ...Option) *Transport {
	return newStream(r, w, buildOptions("stream", opts))
}

func newStream(r io.Reader, w io.Writer, o options) *Transport {
	log := o.connLogger()

	t := &Transport{
		sender:   make(chan protocol.Message),
		receiver: make(chan protocol.Message),
		done:     make(chan struct{}),
		log:      log,
	}
	t.threads = newIOThreads(log, o.closers)

	reader := bufio.NewReaderSize(r, constants.ReadBufferSize)
	t.threads.spawn("reader", t.threads.readerDone, func() error {
		return t.readLoop(reader, o.tracer)
	})
	t.threads.spawn("writer", t.threads.writerDone, func() error {
		return t.writeLoop(bufio.NewWriter(w), o.tracer)
	})

	log.Debug().Msg("Transport started")
	return t
}

func (t *Transport) readLoop(r *bufio.Reader, tracer *debug.TraceLogger) error {
	defer close(t.receiver)

	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.log.Debug().Msg("Input stream closed")
				return nil
			}
			// Join closes the connection once the writer stopped
			if isClosedErr(err) && (t.closed() || t.writerStopped()) {
				return nil
			}
			t.log.Error().Err(err).Msg("Failed to read message")
			tracer.LogError("Failed to read message", err, nil)
			return err
		}

		t.log.Debug().Str("message", protocol.Describe(msg)).Msg("<- received")
		tracer.LogMessage(debug.DirectionIn, msg)

		select {
		case t.receiver <- msg:
		case <-t.done:
			t.log.Warn().Str("message", protocol.Describe(msg)).Msg("Transport closed, dropping incoming message")
			return nil
		}

		// Nothing may follow exit on a conforming stream
		if n, ok := msg.(*protocol.Notification); ok && n.IsExit() {
			t.log.Debug().Msg("Exit notification received, reader stopping")
			return nil
		}
	}
}

func (t *Transport) writeLoop(w *bufio.Writer, tracer *debug.TraceLogger) error {
	for msg := range t.sender {
		if err := protocol.WriteMessage(w, msg); err != nil {
			t.log.Error().Err(err).Str("message", protocol.Describe(msg)).Msg("Failed to write message")
			tracer.LogError("Failed to write message", err, protocol.Describe(msg))
			return err
		}
		if err := w.Flush(); err != nil {
			t.log.Error().Err(err).Msg("Failed to flush output")
			tracer.LogError("Failed to flush output", err, nil)
			return err
		}

		t.log.Debug().Str("message", protocol.Describe(msg)).Msg("-> sent")
		tracer.LogMessage(debug.DirectionOut, msg)
	}
	t.log.Debug().Msg("Sender closed, writer stopping")
	return nil
}

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) writerStopped() bool {
	select {
	case <-t.threads.writerDone:
		return true
	default:
		return false
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
