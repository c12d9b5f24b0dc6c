package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zmcp/lsp-server/internal/config"
	"github.com/zmcp/lsp-server/internal/constants"
	"github.com/zmcp/lsp-server/internal/debug"
	"github.com/zmcp/lsp-server/internal/gotodef"
	"github.com/zmcp/lsp-server/internal/logging"
	"github.com/zmcp/lsp-server/internal/lsp"
	"github.com/zmcp/lsp-server/internal/transport"
	"github.com/zmcp/lsp-server/internal/transport/http"
	"github.com/zmcp/lsp-server/internal/transport/stdio"
)

// joinGracePeriod is overridden in tests
var joinGracePeriod = constants.JoinGracePeriod

var rootCmd = &cobra.Command{
	Use:   constants.ServerName,
	Short: "Minimal language server answering textDocument/definition",
	Long: `Minimal language server answering textDocument/definition.

Speaks the Content-Length framed protocol over stdio (default), a TCP socket
or a WebSocket. Logs go to stderr; stdout carries protocol frames only.

Examples:
  lsp-server
  lsp-server --transport tcp --listen 127.0.0.1:9257
  lsp-server --transport tcp --addr 127.0.0.1:9257
  lsp-server --transport ws --listen :8080 --capabilities caps.yaml
  lsp-server --trace --trace-file /tmp/lsp.trace --log-level debug`,
	Version:       constants.ServerVersion,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()

	flags := rootCmd.Flags()
	flags.String("transport", constants.TransportStdio, "Transport type: 'stdio', 'tcp' or 'ws'")
	flags.String("addr", "", "Address to dial: host:port for tcp (default "+constants.DefaultTCPAddr+"), ws:// URL for ws")
	flags.String("listen", "", "Accept a connection on this address instead of dialing (tcp, ws)")
	flags.Bool("allow-remote", false, "Accept WebSocket clients from non-loopback addresses")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error, disabled")
	flags.String("log-format", logging.FormatConsole, "Log format: 'console' or 'json'")
	flags.Bool("no-color", false, "Disable colored console logs")
	flags.Bool("trace", false, "Trace every protocol message to a rotating file")
	flags.String("trace-file", "", "Trace file (default: lsp_trace_<timestamp>.log in the temp directory)")
	flags.Duration("exit-timeout", constants.DefaultExitTimeout, "How long to wait for the exit notification after shutdown")
	flags.String("capabilities", "", "Server capabilities file (.json, .yaml, .yml or .toml)")
	flags.String("config", "", "Config file (.toml, .yaml or .json)")

	// Bind flags to viper for environment variable and config file support
	config.SetDefaults(viper.GetViper())
	for _, name := range []string{
		"transport", "addr", "listen", "allow-remote", "log-level", "log-format", "no-color",
		"trace", "trace-file", "exit-timeout", "capabilities", "config",
	} {
		key := configKey(name)
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.Configure(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		NoColor: cfg.NoColor,
	})
	if err != nil {
		return err
	}
	logger.Info().
		Str("version", constants.ServerVersion).
		Str("transport", cfg.Transport).
		Msg("Starting language server")

	tracer, err := debug.NewTraceLogger(cfg.Trace, cfg.TraceFile)
	if err != nil {
		return fmt.Errorf("failed to create trace logger: %w", err)
	}
	defer tracer.Close()
	if tracer.Enabled() {
		logger.Info().Str("file", tracer.GetFilename()).Msg("Trace logging enabled")
	}

	var capabilities any = gotodef.Capabilities()
	if cfg.CapabilitiesFile != "" {
		if capabilities, err = config.LoadCapabilities(cfg.CapabilitiesFile); err != nil {
			return err
		}
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	opts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithTracer(tracer),
	}

	errChan := make(chan error, 1)
	var current *transport.Transport

	if cfg.Transport == constants.TransportWebSocket && cfg.IsListening() {
		server := http.NewServer(cfg.Listen, serveWebSocket(capabilities, cfg), cfg.AllowRemote, logger, opts...)
		go func() {
			errChan <- server.ListenAndServe(ctx)
		}()
	} else {
		current, err = openTransport(ctx, cfg, logger, opts)
		if err != nil {
			return err
		}
		go func() {
			errChan <- serveConnection(current, capabilities, cfg)
		}()
	}

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Warn().Str("signal", sig.String()).Msg("Signal received, shutting down")
		cancel()
		if current != nil {
			current.Close()
		}
		return nil
	case err := <-errChan:
		if err == nil {
			logger.Info().Msg("Language server stopped")
		}
		return err
	}
}

func openTransport(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts []transport.Option) (*transport.Transport, error) {
	switch cfg.Transport {
	case constants.TransportStdio:
		return stdio.New(opts...)
	case constants.TransportTCP:
		if cfg.IsListening() {
			return transport.ListenTCP(ctx, cfg.Listen, nil, opts...)
		}
		return transport.DialTCP(ctx, cfg.Addr, opts...)
	case constants.TransportWebSocket:
		return http.Dial(ctx, cfg.Addr, nil, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// serveWebSocket serves each accepted WebSocket connection; failures are
// logged on the connection's logger.
func serveWebSocket(capabilities any, cfg *config.Config) http.ServeFunc {
	return func(_ context.Context, tr *transport.Transport) {
		if err := serveConnection(tr, capabilities, cfg); err != nil {
			log := tr.Logger()
			log.Error().Err(err).Msg("Connection failed")
		}
	}
}

// serveConnection runs the lifecycle on tr and joins its goroutines. The join
// is bounded: after a failed handshake on stdio the reader stays parked on
// stdin and the lifecycle error must still reach the caller.
func serveConnection(tr *transport.Transport, capabilities any, cfg *config.Config) error {
	conn := lsp.NewConnection(tr, lsp.WithExitTimeout(cfg.ExitTimeout))
	runErr := lsp.Run(conn, capabilities, gotodef.MainLoop)

	ctx, cancel := context.WithTimeout(context.Background(), joinGracePeriod)
	defer cancel()
	joinErr := conn.JoinContext(ctx)
	if errors.Is(joinErr, context.DeadlineExceeded) {
		joinErr = nil
	}
	return errors.Join(runErr, joinErr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\n--- FATAL ERROR ---\n")
		fmt.Fprintf(os.Stderr, "An unexpected error occurred: %v\n", err)
		fmt.Fprintf(os.Stderr, "-------------------\n")
		os.Exit(1)
	}
}
