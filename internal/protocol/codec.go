// Copyright (c) 2024 LSP Server Contributors
// SPDX-License-Identifier: MIT

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zmcp/lsp-server/internal/constants"
)

// ReadMessage reads one Content-Length framed message from r.
//
// It returns io.EOF when the stream ends cleanly before the first byte of a
// frame. A stream that ends inside a frame, malformed headers and bodies that
// are not a request, response or notification yield a *ProtocolError of kind
// ErrFraming. Other read failures are returned wrapped.
func ReadMessage(r *bufio.Reader) (Message, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// WriteMessage encodes msg as one frame and writes it with a single Write
// call. Nothing follows the body.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	frame := make([]byte, 0, len(body)+32)
	frame = fmt.Appendf(frame, "%s: %d\r\n\r\n", constants.HeaderContentLength, len(body))
	frame = append(frame, body...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Encode serializes msg to compact JSON
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode a nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", Describe(msg), err)
	}
	return data, nil
}

// Decode classifies a JSON body by its structural shape and decodes it:
// id and method make a Request, id and result or error without method make a
// Response, method without id makes a Notification.
func Decode(body []byte) (Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, NewFramingError(nil, "body is not valid JSON: %s", truncate(body))
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, NewFramingError(nil, "body is not a JSON object: %s", truncate(body))
	}

	fields := gjson.GetManyBytes(body, "id", "method", "result", "error")
	hasID := fields[0].Exists()
	hasMethod := fields[1].Exists()
	hasResult := fields[2].Exists()
	hasError := fields[3].Exists()

	var msg Message
	switch {
	case hasID && hasMethod:
		msg = &Request{}
	case hasID && hasResult && hasError:
		return nil, NewFramingError(nil, "response carries both result and error: %s", truncate(body))
	case hasID && (hasResult || hasError):
		msg = &Response{}
	case hasMethod:
		msg = &Notification{}
	default:
		return nil, NewFramingError(nil, "message is neither request, response nor notification: %s", truncate(body))
	}

	if err := json.Unmarshal(body, msg); err != nil {
		return nil, NewFramingError(err, "malformed message %s", truncate(body))
	}
	return msg, nil
}

// readFrame reads the headers and returns exactly Content-Length body bytes
func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	headerLines := 0

	for {
		line, err := readHeaderLine(r)
		if err != nil {
			if IsFraming(err) {
				return nil, err
			}
			if errors.Is(err, io.EOF) {
				if headerLines == 0 && line == "" {
					return nil, io.EOF
				}
				return nil, NewFramingError(io.ErrUnexpectedEOF, "stream closed inside headers")
			}
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		headerLines++

		if !strings.HasSuffix(line, constants.HeaderSeparator) {
			return nil, NewFramingError(nil, "malformed header %q: missing CRLF", line)
		}
		line = strings.TrimSuffix(line, constants.HeaderSeparator)
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, NewFramingError(nil, "malformed header %q", line)
		}
		// Content-Type and any other header are ignored
		if !strings.EqualFold(strings.TrimSpace(name), constants.HeaderContentLength) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 31)
		if err != nil {
			return nil, NewFramingError(err, "invalid %s %q", constants.HeaderContentLength, value)
		}
		contentLength = int(n)
	}

	if contentLength < 0 {
		return nil, NewFramingError(nil, "missing %s header", constants.HeaderContentLength)
	}

	if contentLength > constants.MaxContentLength {
		return nil, NewFramingError(nil, "%s %d exceeds the %d byte limit",
			constants.HeaderContentLength, contentLength, constants.MaxContentLength)
	}

	// The buffer grows with the bytes that actually arrive
	var body bytes.Buffer
	if _, err := io.CopyN(&body, r, int64(contentLength)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, NewFramingError(io.ErrUnexpectedEOF, "truncated body: expected %d bytes, got %d", contentLength, body.Len())
		}
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body.Bytes(), nil
}

// readHeaderLine reads up to and including the next newline. A line longer
// than MaxHeaderLineLength is a framing error.
func readHeaderLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > constants.MaxHeaderLineLength {
			return "", NewFramingError(nil, "header line exceeds %d bytes", constants.MaxHeaderLineLength)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}

func truncate(body []byte) string {
	const limit = 128
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
