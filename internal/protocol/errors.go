package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC / LSP response error code
type ErrorCode int

// Standard error codes
const (
	// JSON-RPC standard errors
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603

	// Reserved implementation-defined range
	ServerErrorStart ErrorCode = -32099
	ServerErrorEnd   ErrorCode = -32000

	// LSP-specific errors
	ServerNotInitialized ErrorCode = -32002
	UnknownErrorCode     ErrorCode = -32001
	RequestCancelled     ErrorCode = -32800
	ContentModified      ErrorCode = -32801
)

var errorCodeNames = map[ErrorCode]string{
	ParseError:           "ParseError",
	InvalidRequest:       "InvalidRequest",
	MethodNotFound:       "MethodNotFound",
	InvalidParams:        "InvalidParams",
	InternalError:        "InternalError",
	ServerErrorStart:     "ServerErrorStart",
	ServerErrorEnd:       "ServerErrorEnd",
	ServerNotInitialized: "ServerNotInitialized",
	UnknownErrorCode:     "UnknownErrorCode",
	RequestCancelled:     "RequestCancelled",
	ContentModified:      "ContentModified",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ResponseError is the error member of a Response
type ResponseError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *ResponseError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", int(e.Code), e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", int(e.Code), e.Message)
}

// Protocol error kinds. Use errors.Is against a *ProtocolError.
var (
	// ErrFraming marks malformed headers, truncated bodies, undecodable JSON
	// and bodies that are not a request, response or notification.
	ErrFraming = errors.New("framing error")

	// ErrHandshake marks a lifecycle ordering violation.
	ErrHandshake = errors.New("handshake violation")

	// ErrExitTimeout is the cause of a handshake violation raised when the
	// exit notification does not arrive in time.
	ErrExitTimeout = errors.New("timed out waiting for exit notification")
)

// ProtocolError reports a framing failure or a handshake violation. Msg
// describes what was expected and what was received.
type ProtocolError struct {
	Kind error
	Msg  string
	Err  error
}

// NewFramingError creates a framing error
func NewFramingError(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: ErrFraming, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NewHandshakeError creates a handshake violation
func NewHandshakeError(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: ErrHandshake, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *ProtocolError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsFraming reports whether err is a framing error
func IsFraming(err error) bool {
	return errors.Is(err, ErrFraming)
}

// IsHandshake reports whether err is a handshake violation
func IsHandshake(err error) bool {
	return errors.Is(err, ErrHandshake)
}
