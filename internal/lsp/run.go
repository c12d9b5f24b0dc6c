package lsp

import (
	"encoding/json"
	"fmt"
)

// ApplicationError wraps an error returned by the application's dispatch
// loop. The lifecycle code never inspects it.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error: %v", e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// ServeFunc is the application's main loop. It receives the initialize
// params and returns once it has handled the shutdown request.
type ServeFunc func(params json.RawMessage, conn *Connection) error

// Run performs the handshake, runs serve, then waits for exit. Handshake
// failures are returned as *protocol.ProtocolError and errors from serve as
// *ApplicationError. The connection is closed when Run returns; the caller
// still joins it.
func Run(conn *Connection, capabilities any, serve ServeFunc) error {
	defer conn.Close()

	params, err := conn.Initialize(capabilities)
	if err != nil {
		return err
	}

	if err := serve(params, conn); err != nil {
		conn.log.Error().Err(err).Msg("Main loop failed")
		return &ApplicationError{Err: err}
	}

	if err := conn.WaitExit(); err != nil {
		return err
	}

	conn.log.Info().Msg("Connection closed")
	return nil
}
