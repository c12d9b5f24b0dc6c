package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zmcp/lsp-server/internal/constants"
)

// IsInitialize reports whether r is the initialize request
func (r *Request) IsInitialize() bool {
	return r.Method == constants.MethodInitialize
}

// IsShutdown reports whether r is the shutdown request
func (r *Request) IsShutdown() bool {
	return r.Method == constants.MethodShutdown
}

// IsInitialized reports whether n is the initialized notification
func (n *Notification) IsInitialized() bool {
	return n.Method == constants.MethodInitialized
}

// IsExit reports whether n is the exit notification
func (n *Notification) IsExit() bool {
	return n.Method == constants.MethodExit
}

// IsCancel reports whether n is a $/cancelRequest notification
func (n *Notification) IsCancel() bool {
	return n.Method == constants.MethodCancelRequest
}

// CancelParams are the params of $/cancelRequest
type CancelParams struct {
	ID RequestID `json:"id"`
}

// Extract decodes the params of req into P if req.Method equals method.
//
// On a method mismatch it returns ok == false and leaves req untouched, so
// dispatch code can try the next method:
//
//	if id, params, ok, err := protocol.Extract[DefinitionParams](req, "textDocument/definition"); ok {
//		...
//	}
//
// A decode failure on a matching method is returned as an error; the request
// is malformed and must not be offered to other handlers.
func Extract[P any](req *Request, method string) (id RequestID, params P, ok bool, err error) {
	if req.Method != method {
		return id, params, false, nil
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return req.ID, params, true, fmt.Errorf("invalid params for request %s %s: %w", method, req.ID, err)
	}
	return req.ID, params, true, nil
}

// ExtractNotification is Extract for notifications
func ExtractNotification[P any](n *Notification, method string) (params P, ok bool, err error) {
	if n.Method != method {
		return params, false, nil
	}
	if err := decodeParams(n.Params, &params); err != nil {
		return params, true, fmt.Errorf("invalid params for notification %s: %w", method, err)
	}
	return params, true, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Unmarshal(raw, v)
}
