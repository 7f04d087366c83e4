// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Node creates a tag for node ids.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// Session creates a tag for session ids.
func Session(id string) slog.Attr {
	return slog.String("session", id)
}

// Graph creates a tag for graph ids.
func Graph(id string) slog.Attr {
	return slog.String("graph", id)
}

// Step creates a tag for graph step ids.
func Step(id string) slog.Attr {
	return slog.String("step", id)
}

// Workflow creates a tag for workflow ids.
func Workflow(id string) slog.Attr {
	return slog.String("workflow", id)
}

// Run creates a tag for workflow or graph run ids.
func Run(id string) slog.Attr {
	return slog.String("run-id", id)
}

// Server creates a tag for server names.
func Server(name string) slog.Attr {
	return slog.String("server", name)
}

// Op creates a tag for history operation kinds.
func Op(op string) slog.Attr {
	return slog.String("op", op)
}

// Seq creates a tag for history sequence numbers.
func Seq(seq int64) slog.Attr {
	return slog.Int64("seq", seq)
}

// Parser creates a tag for parser kinds.
func Parser(kind string) slog.Attr {
	return slog.String("parser", kind)
}

// Backend creates a tag for backend kinds.
func Backend(kind string) slog.Attr {
	return slog.String("backend", kind)
}

// State creates a tag for node or run states.
func State(s string) slog.Attr {
	return slog.String("state", s)
}

// Command creates a tag for engine command kinds.
func Command(kind string) slog.Attr {
	return slog.String("command", kind)
}

// Event creates a tag for engine event kinds.
func Event(kind string) slog.Attr {
	return slog.String("event", kind)
}

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

// PID creates a tag for process IDs.
func PID(pid int) slog.Attr {
	return slog.Int("pid", pid)
}

// Signal creates a tag for signal names (e.g., SIGTERM).
func Signal(sig string) slog.Attr {
	return slog.String("signal", sig)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Reason creates a tag for reason for an action or state.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// MaxRetries creates a tag for maximum retry count.
func MaxRetries(n int) slog.Attr {
	return slog.Int("max-retries", n)
}

// Timeout creates a tag for timeout duration values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// Interval creates a tag for time intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Duration creates a tag for time durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Count creates a tag for numeric counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Lines creates a tag for line counts.
func Lines(n int) slog.Attr {
	return slog.Int("lines", n)
}

// Size creates a tag for size values.
func Size(n int) slog.Attr {
	return slog.Int("size", n)
}

// Input creates a tag for operation inputs, truncated upstream.
func Input(s string) slog.Attr {
	return slog.String("input", s)
}

// Name creates a tag for generic names (prefer specific tags like Node).
func Name(name string) slog.Attr {
	return slog.String("name", name)
}

// ID creates a tag for generic IDs (prefer specific tags like Run).
func ID(id string) slog.Attr {
	return slog.String("id", id)
}

// Status creates a tag for execution status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Command line tags

// Cmd creates a tag for commands being executed.
func Cmd(cmd string) slog.Attr {
	return slog.String("cmd", cmd)
}

// Args creates a tag for command arguments.
func Args(args []string) slog.Attr {
	return slog.Any("args", args)
}
