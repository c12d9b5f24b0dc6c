package constants

import "time"

// Server identity reported in logs and the example initialize result
const (
	ServerName    = "lsp-server"
	ServerVersion = "0.1.0"
)

// JSON-RPC protocol version carried by every frame
const JSONRPCVersion = "2.0"

// Base protocol framing
const (
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
	HeaderSeparator     = "\r\n"
)

// Lifecycle method names
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodCancelRequest = "$/cancelRequest"
)

// Transport types accepted by the CLI
const (
	TransportStdio     = "stdio"
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// Defaults
const (
	// DefaultExitTimeout bounds the wait for the exit notification after
	// the shutdown response has been sent.
	DefaultExitTimeout = 30 * time.Second

	// JoinGracePeriod bounds the wait for the I/O goroutines once a
	// connection is done. A stdin reader may never return.
	JoinGracePeriod = 2 * time.Second

	DefaultTCPAddr       = "127.0.0.1:9257"
	DefaultWebSocketAddr = ":8080"
	WebSocketPath        = "/lsp"
	HealthPath           = "/health"

	// Reader buffer for the framing codec
	ReadBufferSize = 64 * 1024

	// MaxHeaderLineLength and MaxContentLength bound a frame before its body
	// is read. Larger frames are framing errors.
	MaxHeaderLineLength = 8 * 1024
	MaxContentLength    = 64 << 20
)
