package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Trace directions
const (
	DirectionIn  = "TRANSPORT_IN"
	DirectionOut = "TRANSPORT_OUT"
)

// TraceLogger writes one JSON line per traced event to a rotating file.
// Frames go to the file instead of stderr so a chatty client cannot drown the
// regular logs. A nil or disabled TraceLogger ignores every call.
type TraceLogger struct {
	out      *lumberjack.Logger
	log      zerolog.Logger
	enabled  bool
	filename string
}

// NewTraceLogger creates a new trace logger. An empty filename picks a
// timestamped file in the temp directory.
func NewTraceLogger(enabled bool, filename string) (*TraceLogger, error) {
	if !enabled {
		return &TraceLogger{enabled: false}, nil
	}

	if filename == "" {
		timestamp := time.Now().Format("20060102_150405")
		filename = filepath.Join(os.TempDir(), fmt.Sprintf("lsp_trace_%s.log", timestamp))
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	out := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
	}

	logger := &TraceLogger{
		out:      out,
		log:      zerolog.New(out).With().Timestamp().Logger(),
		enabled:  true,
		filename: filename,
	}

	logger.Log("TRACE", "Trace logging started", map[string]interface{}{
		"filename": filename,
		"pid":      os.Getpid(),
	})

	return logger, nil
}

// Enabled reports whether entries are written
func (t *TraceLogger) Enabled() bool {
	return t != nil && t.enabled
}

// Log writes a trace entry
func (t *TraceLogger) Log(kind, message string, data interface{}) {
	if !t.Enabled() {
		return
	}

	event := t.log.Log().Str("kind", kind)
	if data != nil {
		event = event.Interface("data", data)
	}
	event.Msg(message)
}

// LogMessage traces one protocol message. The body is marshaled with the
// message's own JSON encoding and sensitive values are masked.
func (t *TraceLogger) LogMessage(direction string, msg interface{}) {
	if !t.Enabled() {
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		t.LogError("Failed to marshal traced message", err, fmt.Sprintf("%T", msg))
		return
	}

	fields := gjson.GetManyBytes(body, "method", "id")
	event := t.log.Log().
		Str("kind", direction).
		Int("size", len(body))
	if fields[0].Exists() {
		event = event.Str("method", fields[0].String())
	}
	if fields[1].Exists() {
		event = event.RawJSON("id", []byte(fields[1].Raw))
	}
	event.RawJSON("body", MaskJSON(body)).Msg("Message")
}

// LogError logs an error with context
func (t *TraceLogger) LogError(context string, err error, data interface{}) {
	if !t.Enabled() {
		return
	}

	event := t.log.Log().Str("kind", "ERROR").Err(err)
	if data != nil {
		event = event.Interface("data", data)
	}
	event.Msg(context)
}

// GetFilename returns the trace filename
func (t *TraceLogger) GetFilename() string {
	if t == nil {
		return ""
	}
	return t.filename
}

// Close flushes and closes the trace file
func (t *TraceLogger) Close() error {
	if !t.Enabled() || t.out == nil {
		return nil
	}
	t.Log("TRACE", "Trace logging stopped", nil)
	return t.out.Close()
}
