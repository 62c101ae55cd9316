// Package debug provides conditional diagnostic logging for the ingestion
// pipeline: a package-level writer, gated by a build flag or the DEBUG
// environment variable, with per-component helpers (LogIngest, LogBatch,
// LogJob, LogSession, LogStream) so a single log line always carries which
// stage produced it.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnableDebug is a build flag, overridable at link time:
// go build -ldflags "-X github.com/cadgraph-io/ingest/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// QuietMode suppresses all debug output regardless of EnableDebug/DEBUG,
// for embedding this module behind a protocol (gRPC, an MCP server) where
// stray stdio writes would corrupt the wire format.
var QuietMode = false

var (
	debugOutput io.Writer
	debugFile   *os.File
	debugMutex  sync.Mutex
)

// SetQuietMode toggles QuietMode.
func SetQuietMode(enabled bool) {
	QuietMode = enabled
}

// SetDebugOutput sets a custom writer for debug output. Pass nil to
// disable debug output entirely.
func SetDebugOutput(w io.Writer) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugOutput = w
}

// InitDebugLogFile opens a timestamped log file under
// os.TempDir()/cadgraph-debug-logs and routes debug output to it. Call
// CloseDebugLog when done.
func InitDebugLogFile() (string, error) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	logDir := filepath.Join(os.TempDir(), "cadgraph-debug-logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T150405")
	logPath := filepath.Join(logDir, fmt.Sprintf("debug-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	debugFile = file
	debugOutput = file
	return logPath, nil
}

// CloseDebugLog closes the debug log file if one is open.
func CloseDebugLog() error {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		err := debugFile.Close()
		debugFile = nil
		debugOutput = nil
		return err
	}
	return nil
}

// IsDebugEnabled reports whether debug output is currently active.
func IsDebugEnabled() bool {
	if QuietMode {
		return false
	}
	if EnableDebug == "true" {
		return true
	}
	if v := os.Getenv("DEBUG"); v == "1" || v == "true" {
		return true
	}
	return false
}

func getDebugWriter() io.Writer {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	return debugOutput
}

// Printf prints debug information only when debug mode is enabled and an
// output writer is configured.
func Printf(format string, args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	w := getDebugWriter()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG] "+format, args...)
}

// Println prints debug information only when debug mode is enabled and an
// output writer is configured.
func Println(args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	w := getDebugWriter()
	if w == nil {
		return
	}
	fmt.Fprint(w, "[DEBUG] ")
	fmt.Fprintln(w, args...)
}

// Log writes a component-tagged debug line.
func Log(component, format string, args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	w := getDebugWriter()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG:%s] "+format, append([]interface{}{component}, args...)...)
}

// LogIngest logs Pipeline Orchestrator activity: staging, strategy
// selection, and per-chunk transformation progress.
func LogIngest(format string, args ...interface{}) {
	Log("INGEST", format, args...)
}

// LogBatch logs Batcher & Writer activity: batch sizing decisions and
// memory-pressure pauses.
func LogBatch(format string, args ...interface{}) {
	Log("BATCH", format, args...)
}

// LogSession logs Session Manager activity: driver reconfiguration and
// retry/backoff decisions.
func LogSession(format string, args ...interface{}) {
	Log("SESSION", format, args...)
}

// LogJob logs Job Manager activity: job submission, stage transitions,
// and terminal outcomes.
func LogJob(format string, args ...interface{}) {
	Log("JOB", format, args...)
}

// LogStream logs Entity Streamer activity: chunk boundaries and
// per-entity normalization/projection warnings.
func LogStream(format string, args ...interface{}) {
	Log("STREAM", format, args...)
}

// Fatal logs a catastrophic failure and returns it as an error rather than
// exiting, so library callers can decide how to respond.
func Fatal(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if !QuietMode {
		if w := getDebugWriter(); w != nil {
			fmt.Fprintf(w, "[FATAL] %s", msg)
		}
	}
	return fmt.Errorf("fatal error: %s", msg)
}

// FatalAndExit logs a catastrophic failure and exits. Only call this from
// cmd/cadgraph entry points, never from library code.
func FatalAndExit(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !QuietMode {
		if w := getDebugWriter(); w != nil {
			fmt.Fprintf(w, "[FATAL] %s", msg)
		}
	}
	os.Exit(1)
}

// CatastrophicError logs a system failure without exiting. Suppressed
// under QuietMode so protocol output stays uncorrupted.
func CatastrophicError(format string, args ...interface{}) {
	if QuietMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if w := getDebugWriter(); w != nil {
		fmt.Fprintf(w, "[CATASTROPHIC] %s", msg)
	}
}
