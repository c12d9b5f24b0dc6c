// Package gotodef is a minimal language server main loop. It answers
// textDocument/definition with an empty location list and nothing else.
package gotodef

import (
	"encoding/json"
	"fmt"

	lsptypes "go.lsp.dev/protocol"

	"github.com/zmcp/lsp-server/internal/lsp"
	"github.com/zmcp/lsp-server/internal/protocol"
)

// MethodDefinition is the only request the loop serves
const MethodDefinition = lsptypes.MethodTextDocumentDefinition

// Capabilities advertises definition support only
func Capabilities() map[string]any {
	return map[string]any{"definitionProvider": true}
}

// MainLoop serves requests until the shutdown request. Params of a matching
// request that fail to decode are answered with InvalidParams; unknown
// requests with MethodNotFound.
func MainLoop(params json.RawMessage, conn *lsp.Connection) error {
	log := conn.Logger()

	var init lsptypes.InitializeParams
	if err := json.Unmarshal(params, &init); err != nil {
		return fmt.Errorf("failed to decode initialize params: %w", err)
	}
	event := log.Info().Str("root", string(init.RootURI))
	if init.ClientInfo != nil {
		event = event.Str("client", init.ClientInfo.Name)
	}
	event.Msg("Starting main loop")

	for msg := range conn.Receiver() {
		switch m := msg.(type) {
		case *protocol.Request:
			handled, err := conn.HandleShutdown(m)
			if err != nil {
				return err
			}
			if handled {
				return nil
			}
			if err := handleRequest(conn, m); err != nil {
				return err
			}
		case *protocol.Response:
			log.Info().Str("message", protocol.Describe(m)).Msg("Got response")
		case *protocol.Notification:
			log.Info().Str("method", m.Method).Msg("Got notification")
		}
	}

	// The stream ended without a shutdown request
	return fmt.Errorf("connection closed before shutdown")
}

func handleRequest(conn *lsp.Connection, req *protocol.Request) error {
	log := conn.Logger()

	id, params, ok, err := protocol.Extract[lsptypes.DefinitionParams](req, MethodDefinition)
	switch {
	case ok && err != nil:
		log.Warn().Err(err).Stringer("id", id).Msg("Invalid definition params")
		return conn.Send(protocol.NewErrorResponse(id, protocol.InvalidParams, err.Error()))
	case ok:
		log.Info().
			Stringer("id", id).
			Str("uri", string(params.TextDocument.URI)).
			Uint32("line", params.Position.Line).
			Uint32("character", params.Position.Character).
			Msg("Got definition request")
		resp, err := protocol.NewResponse(id, []lsptypes.Location{})
		if err != nil {
			return err
		}
		return conn.Send(resp)
	}

	log.Info().Str("method", req.Method).Stringer("id", req.ID).Msg("Unhandled request")
	return conn.Send(protocol.NewErrorResponse(req.ID, protocol.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
}
