package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zmcp/lsp-server/internal/constants"
)

// Message is one of *Request, *Response or *Notification. It is the unit
// exchanged on every channel and wire frame.
type Message interface {
	isMessage()
}

// Request invokes a method on the peer and expects a Response with the same ID
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is sent on the wire; a nil Result without an Error is sent as null.
type Response struct {
	ID     RequestID
	Result json.RawMessage
	Error  *ResponseError
}

// Notification is a fire-and-forget message without an id
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// NewRequest creates a request, marshaling params. A nil params value leaves
// the params member out.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification creates a notification, marshaling params
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse creates a success response. A nil result is sent as null.
func NewResponse(id RequestID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result for request %s: %w", id, err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(id RequestID, code ErrorCode, message string) *Response {
	return &Response{
		ID: id,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Describe returns a short human readable description used in error messages
func Describe(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return fmt.Sprintf("request %q (id %s)", m.Method, m.ID)
	case *Response:
		if m.Error != nil {
			return fmt.Sprintf("error response (id %s, code %d)", m.ID, int(m.Error.Code))
		}
		return fmt.Sprintf("response (id %s)", m.ID)
	case *Notification:
		return fmt.Sprintf("notification %q", m.Method)
	case nil:
		return "no message"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

type requestWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type responseWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

type notificationWire struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (r *Request) MarshalJSON() ([]byte, error) {
	id := r.ID
	return json.Marshal(requestWire{
		JSONRPC: constants.JSONRPCVersion,
		ID:      &id,
		Method:  r.Method,
		Params:  r.Params,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == nil {
		return fmt.Errorf("request is missing id")
	}
	if w.Method == "" {
		return fmt.Errorf("request is missing method")
	}
	*r = Request{ID: *w.ID, Method: w.Method, Params: w.Params}
	return nil
}

// MarshalJSON implements json.Marshaler
func (r *Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	w := responseWire{
		JSONRPC: constants.JSONRPCVersion,
		ID:      &id,
		Error:   r.Error,
	}
	if r.Error == nil {
		w.Result = r.Result
		if len(w.Result) == 0 {
			w.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == nil {
		return fmt.Errorf("response is missing id")
	}
	if w.Error != nil && len(w.Result) > 0 {
		return fmt.Errorf("response %s carries both result and error", w.ID)
	}
	*r = Response{ID: *w.ID, Result: w.Result, Error: w.Error}
	return nil
}

// MarshalJSON implements json.Marshaler
func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(notificationWire{
		JSONRPC: constants.JSONRPCVersion,
		Method:  n.Method,
		Params:  n.Params,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w notificationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Method == "" {
		return fmt.Errorf("notification is missing method")
	}
	*n = Notification{Method: w.Method, Params: w.Params}
	return nil
}
