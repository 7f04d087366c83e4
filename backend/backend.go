// Package backend drives the subprocess side of a terminal node: spawn
// a child attached to a pseudo-terminal, drain its output into a
// growing buffer, and forward caller bytes to its input. Two variants
// exist behind one interface: a direct PTY fork and a pane-attached
// backend that queries a tmux pane on each read.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/nervehq/nerve/core"
)

// Kind selects the backend variant at node construction.
type Kind string

const (
	// KindPTY forks the child on a pseudo-terminal owned by this
	// process.
	KindPTY Kind = "pty"
	// KindPane attaches to an existing tmux pane.
	KindPane Kind = "pane"
)

// Backend is the subprocess surface a terminal node drives.
type Backend interface {
	// Start spawns or attaches to the child. argv must be non-empty for
	// the PTY variant. Fails with SpawnError when the child cannot be
	// executed.
	Start(ctx context.Context, argv []string, cwd string, env []string) error
	// Write forwards raw bytes to the child's input. Fails with Closed
	// once the child has exited.
	Write(data []byte) error
	// ReadBuffer returns the accumulated output.
	ReadBuffer() string
	// ReadTail returns the last n logical lines of the buffer.
	ReadTail(n int) string
	// ClearBuffer truncates the buffer without touching the child.
	ClearBuffer()
	// ReadStream returns a finite lazy sequence of newly arrived chunks
	// starting at the current tail. The channel closes when the child
	// exits or ctx is done.
	ReadStream(ctx context.Context) <-chan string
	// Stop signals the child, joins the reader, and releases the PTY.
	// Idempotent.
	Stop(ctx context.Context) error
	// Alive reports whether the child is still attached and running.
	Alive() bool
	// PID returns the child process id, or 0 when not applicable.
	PID() int
	// PollInterval is the cadence at which callers should re-check
	// parser readiness against this backend's buffer.
	PollInterval() time.Duration
	// Accumulating reports whether the buffer only ever grows (PTY) or
	// is replaced wholesale on each read (pane). Parse-offset handling
	// depends on it.
	Accumulating() bool
}

// Options carries construction parameters common to both variants.
type Options struct {
	// PaneID addresses the tmux pane for the pane variant.
	PaneID string
}

// New returns a backend of the given kind.
func New(kind Kind, opts Options) (Backend, error) {
	switch kind {
	case KindPTY, "":
		return NewPTY(), nil
	case KindPane:
		if opts.PaneID == "" {
			return nil, fmt.Errorf("pane backend requires pane_id: %w", core.ErrInvalid)
		}
		return NewPane(opts.PaneID), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: %w", kind, core.ErrInvalid)
	}
}
