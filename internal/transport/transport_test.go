// Copyright (c) 2024 LSP Server Contributors
// SPDX-License-Identifier: MIT

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmcp/lsp-server/internal/protocol"
)

// pipeClient is the far end of a stream transport built on two io.Pipes
type pipeClient struct {
	in  *io.PipeWriter
	out *bufio.Reader

	outR *io.PipeReader
}

func newPipeTransport(t *testing.T, opts ...Option) (*Transport, *pipeClient) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	opts = append(opts, WithCloser(inR), WithCloser(outW))
	tr := NewStream(inR, outW, opts...)

	return tr, &pipeClient{in: inW, out: bufio.NewReader(outR), outR: outR}
}

// write sends msgs in the background; io.Pipe blocks until the reader consumes
func (c *pipeClient) write(msgs ...protocol.Message) {
	go func() {
		for _, msg := range msgs {
			if err := protocol.WriteMessage(c.in, msg); err != nil {
				return
			}
		}
	}()
}

func (c *pipeClient) writeRaw(data string) {
	go func() {
		_, _ = io.WriteString(c.in, data)
	}()
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "receiver closed unexpectedly")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func requireClosed(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.False(t, ok, "expected closed receiver, got %s", protocol.Describe(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the receiver to close")
	}
}

func notification(t *testing.T, method string) *protocol.Notification {
	t.Helper()
	n, err := protocol.NewNotification(method, nil)
	require.NoError(t, err)
	return n
}

func TestStreamReceivesInOrder(t *testing.T) {
	tr, client := newPipeTransport(t)

	req, err := protocol.NewRequest(protocol.NewIntID(1), "initialize", map[string]any{"processId": nil})
	require.NoError(t, err)
	client.write(req, notification(t, "initialized"), notification(t, "textDocument/didOpen"))

	got := receive(t, tr.Receiver())
	assert.Equal(t, `request "initialize" (id 1)`, protocol.Describe(got))
	assert.True(t, receive(t, tr.Receiver()).(*protocol.Notification).IsInitialized())
	assert.Equal(t, "textDocument/didOpen", receive(t, tr.Receiver()).(*protocol.Notification).Method)

	require.NoError(t, client.in.Close())
	requireClosed(t, tr.Receiver())

	tr.Close()
	assert.NoError(t, tr.Join())
}

func TestStreamSendsFrames(t *testing.T) {
	tr, client := newPipeTransport(t)

	sent := make(chan error, 1)
	go func() {
		resp, err := protocol.NewResponse(protocol.NewIntID(1), map[string]any{"capabilities": map[string]any{}})
		if err != nil {
			sent <- err
			return
		}
		if err := tr.Send(resp); err != nil {
			sent <- err
			return
		}
		sent <- tr.Send(protocol.NewErrorResponse(protocol.NewStringID("x"), protocol.MethodNotFound, "nope"))
	}()

	first, err := protocol.ReadMessage(client.out)
	require.NoError(t, err)
	resp := first.(*protocol.Response)
	assert.Equal(t, protocol.NewIntID(1), resp.ID)
	assert.JSONEq(t, `{"capabilities":{}}`, string(resp.Result))

	second, err := protocol.ReadMessage(client.out)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodNotFound, second.(*protocol.Response).Error.Code)
	require.NoError(t, <-sent)

	tr.Close()
	require.NoError(t, tr.Join())

	_, err = protocol.ReadMessage(client.out)
	assert.ErrorIs(t, err, io.EOF, "output is closed once the writer drained")
}

func TestStreamWriterBackpressure(t *testing.T) {
	tr, client := newPipeTransport(t)

	first := notification(t, "window/logMessage")
	second := notification(t, "window/showMessage")

	require.NoError(t, tr.Send(first), "the idle writer takes the first message")

	done := make(chan error, 1)
	go func() { done <- tr.Send(second) }()

	select {
	case <-done:
		t.Fatal("second send completed while the writer was blocked on output")
	case <-time.After(50 * time.Millisecond):
	}

	msg, err := protocol.ReadMessage(client.out)
	require.NoError(t, err)
	assert.Equal(t, "window/logMessage", msg.(*protocol.Notification).Method)

	msg, err = protocol.ReadMessage(client.out)
	require.NoError(t, err)
	assert.Equal(t, "window/showMessage", msg.(*protocol.Notification).Method)
	require.NoError(t, <-done)

	tr.Close()
	assert.NoError(t, tr.Join())
}

func TestStreamReaderStopsAfterExit(t *testing.T) {
	tr, client := newPipeTransport(t)

	client.write(notification(t, "exit"), notification(t, "never/read"))

	assert.True(t, receive(t, tr.Receiver()).(*protocol.Notification).IsExit())
	requireClosed(t, tr.Receiver())

	tr.Close()
	assert.NoError(t, tr.Join())
}

func TestStreamFramingError(t *testing.T) {
	tr, client := newPipeTransport(t)

	client.writeRaw("Content-Length: twelve\r\n\r\n{}")
	requireClosed(t, tr.Receiver())

	tr.Close()
	err := tr.Join()
	require.Error(t, err)
	assert.True(t, protocol.IsFraming(err))
}

func TestStreamCloseReleasesBlockedReader(t *testing.T) {
	tr, client := newPipeTransport(t)

	client.write(notification(t, "initialized"))

	tr.Close()
	assert.NoError(t, tr.Join())
}

func TestSendAfterClose(t *testing.T) {
	tr, _ := newPipeTransport(t)

	tr.Close()
	tr.Close()
	assert.ErrorIs(t, tr.Send(notification(t, "exit")), ErrClosed)
	assert.NoError(t, tr.Join())
	assert.NoError(t, tr.Join(), "join is repeatable")
}

func TestSendAfterWriterFailure(t *testing.T) {
	tr, client := newPipeTransport(t)
	require.NoError(t, client.outR.Close())

	require.NoError(t, tr.Send(notification(t, "first")), "the writer takes the message before failing")
	assert.ErrorIs(t, tr.Send(notification(t, "second")), ErrClosed)

	tr.Close()
	err := tr.Join()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

type panicWriter struct{}

func (panicWriter) Write([]byte) (int, error) {
	panic("output exploded")
}

func TestJoinReraisesPanic(t *testing.T) {
	inR, _ := io.Pipe()
	tr := NewStream(inR, panicWriter{}, WithCloser(inR))

	require.NoError(t, tr.Send(notification(t, "boom")))
	<-tr.Threads().WriterDone()

	defer func() {
		r := recover()
		require.NotNil(t, r, "join must re-raise the writer panic")
		pe, ok := r.(*PanicError)
		require.True(t, ok, "unexpected panic value %v", r)
		assert.Equal(t, "writer", pe.Goroutine)
		assert.Equal(t, "output exploded", pe.Value)
		assert.NotEmpty(t, pe.Stack)
	}()
	_ = tr.Join()
}

func TestMemoryPair(t *testing.T) {
	client, server := NewMemoryPair()
	assert.Nil(t, client.Threads())

	req, err := protocol.NewRequest(protocol.NewStringID("a"), "shutdown", nil)
	require.NoError(t, err)
	exit := notification(t, "exit")

	go func() {
		_ = client.Send(req)
		_ = client.Send(exit)
	}()

	got := receive(t, server.Receiver())
	assert.Same(t, req, got, "messages cross without encoding")
	assert.True(t, receive(t, server.Receiver()).(*protocol.Notification).IsExit())

	client.Close()
	requireClosed(t, server.Receiver())
	assert.ErrorIs(t, server.Send(notification(t, "late")), ErrClosed)

	server.Close()
	requireClosed(t, client.Receiver())
	assert.NoError(t, client.Join())
	assert.NoError(t, server.Join())
}

func TestTCPTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ready := make(chan net.Addr, 1)
	accepted := make(chan *Transport, 1)
	errs := make(chan error, 1)
	go func() {
		tr, err := ListenTCP(ctx, "127.0.0.1:0", ready)
		if err != nil {
			errs <- err
			return
		}
		accepted <- tr
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-errs:
		t.Fatal(err)
	}

	client, err := DialTCP(ctx, addr.String())
	require.NoError(t, err)

	var server *Transport
	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatal(err)
	}

	req, err := protocol.NewRequest(protocol.NewIntID(7), "textDocument/definition", map[string]any{"position": map[string]int{"line": 1, "character": 2}})
	require.NoError(t, err)
	go func() { _ = client.Send(req) }()

	got := receive(t, server.Receiver()).(*protocol.Request)
	assert.Equal(t, protocol.NewIntID(7), got.ID)
	assert.JSONEq(t, `{"position":{"line":1,"character":2}}`, string(got.Params))

	go func() {
		resp, _ := protocol.NewResponse(got.ID, json.RawMessage(`[]`))
		_ = server.Send(resp)
	}()
	reply := receive(t, client.Receiver()).(*protocol.Response)
	assert.Equal(t, json.RawMessage(`[]`), reply.Result)

	client.Close()
	require.NoError(t, client.Join())
	requireClosed(t, server.Receiver())

	server.Close()
	assert.NoError(t, server.Join())
}

func TestListenTCPCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)

	errs := make(chan error, 1)
	go func() {
		_, err := ListenTCP(ctx, "127.0.0.1:0", ready)
		errs <- err
	}()

	<-ready
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

const orderedCount = 200

func orderedRequests(t *testing.T, method string) []protocol.Message {
	t.Helper()
	msgs := make([]protocol.Message, orderedCount)
	for i := range msgs {
		req, err := protocol.NewRequest(protocol.NewIntID(int64(i)), method, map[string]int{"seq": i})
		require.NoError(t, err)
		msgs[i] = req
	}
	return msgs
}

func requestIDs(msgs []protocol.Message) []protocol.RequestID {
	ids := make([]protocol.RequestID, 0, len(msgs))
	for _, msg := range msgs {
		if req, ok := msg.(*protocol.Request); ok {
			ids = append(ids, req.ID)
		}
	}
	return ids
}

// receiveAll drains n messages from ch, stopping early when it closes or
// stalls
func receiveAll(ch <-chan protocol.Message, n int) []protocol.Message {
	var out []protocol.Message
	for len(out) < n {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-time.After(5 * time.Second):
			return out
		}
	}
	return out
}

func TestStreamConcurrentOrder(t *testing.T) {
	tr, c := newPipeTransport(t)
	inbound := orderedRequests(t, "textDocument/hover")
	outbound := orderedRequests(t, "workspace/configuration")

	var wg sync.WaitGroup
	var sendErrs []error
	var written []protocol.Message

	c.write(inbound...)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, msg := range outbound {
			if err := tr.Send(msg); err != nil {
				sendErrs = append(sendErrs, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range outbound {
			msg, err := protocol.ReadMessage(c.out)
			if err != nil {
				return
			}
			written = append(written, msg)
		}
	}()

	received := receiveAll(tr.Receiver(), orderedCount)
	wg.Wait()

	assert.Empty(t, sendErrs)
	assert.Equal(t, requestIDs(inbound), requestIDs(received))
	assert.Equal(t, requestIDs(outbound), requestIDs(written))

	tr.Close()
	assert.NoError(t, tr.Join())
}

func TestMemoryPairConcurrentOrder(t *testing.T) {
	client, server := NewMemoryPair()
	defer client.Close()
	defer server.Close()

	fromClient := orderedRequests(t, "textDocument/hover")
	fromServer := orderedRequests(t, "workspace/configuration")

	send := func(tr *Transport, msgs []protocol.Message, errs chan<- error) {
		for _, msg := range msgs {
			if err := tr.Send(msg); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}

	errs := make(chan error, 2)
	go send(client, fromClient, errs)
	go send(server, fromServer, errs)

	var atClient []protocol.Message
	done := make(chan struct{})
	go func() {
		defer close(done)
		atClient = receiveAll(client.Receiver(), orderedCount)
	}()
	atServer := receiveAll(server.Receiver(), orderedCount)
	<-done

	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
	assert.Equal(t, requestIDs(fromClient), requestIDs(atServer))
	assert.Equal(t, requestIDs(fromServer), requestIDs(atClient))
}

func TestJoinContextAbandonsBlockedReader(t *testing.T) {
	inR, inW := io.Pipe()
	tr := NewStream(inR, io.Discard)

	tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.JoinContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "join abandoned")

	// Once the input ends the goroutines finish normally
	require.NoError(t, inW.Close())
	assert.NoError(t, tr.JoinContext(context.Background()))
}
