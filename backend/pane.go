package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
)

const (
	panePollInterval = 2 * time.Second
	// paneCaptureLines bounds how much scrollback each capture pulls.
	paneCaptureLines = 2000
)

// PaneBackend attaches to an existing tmux pane. There is no background
// reader: every buffer read captures the pane contents through tmux, and
// writes go through tmux key injection. The buffer is a snapshot, not an
// accumulating log.
type PaneBackend struct {
	paneID string

	mu      sync.Mutex
	buf     string
	started bool
	stopped bool
}

var _ Backend = (*PaneBackend)(nil)

// NewPane returns an unstarted pane backend addressing paneID.
func NewPane(paneID string) *PaneBackend {
	return &PaneBackend{paneID: paneID}
}

// Start implements Backend. It verifies the pane exists and, when argv
// is non-empty, launches the command inside the pane.
func (b *PaneBackend) Start(ctx context.Context, argv []string, cwd string, env []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("backend already started: %w", core.ErrInvalid)
	}

	if _, err := b.tmux(ctx, "display-message", "-p", "-t", b.paneID, "#{pane_id}"); err != nil {
		return fmt.Errorf("%w: tmux pane %s: %v", core.ErrSpawn, b.paneID, err)
	}

	if len(argv) > 0 {
		cmdline := strings.Join(argv, " ")
		if cwd != "" {
			cmdline = fmt.Sprintf("cd %s && %s", cwd, cmdline)
		}
		if _, err := b.tmux(ctx, "send-keys", "-t", b.paneID, cmdline, "Enter"); err != nil {
			return fmt.Errorf("%w: launch in pane %s: %v", core.ErrSpawn, b.paneID, err)
		}
	}

	b.started = true
	logger.Debug(ctx, "attached to tmux pane", tag.ID(b.paneID))
	return nil
}

// Write implements Backend. Control bytes map to tmux key names; all
// other bytes are injected literally.
func (b *PaneBackend) Write(data []byte) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return fmt.Errorf("pane backend closed: %w", core.ErrClosed)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, part := range splitKeys(data) {
		args := []string{"send-keys", "-t", b.paneID}
		if part.key != "" {
			args = append(args, part.key)
		} else {
			args = append(args, "-l", part.literal)
		}
		if _, err := b.tmux(ctx, args...); err != nil {
			return fmt.Errorf("tmux send-keys: %v: %w", err, core.ErrClosed)
		}
	}
	return nil
}

// keyPart is a run of literal bytes or one named tmux key.
type keyPart struct {
	literal string
	key     string
}

// splitKeys converts raw bytes into tmux send-keys arguments: newlines
// and carriage returns become Enter, ^C becomes C-c, ESC becomes
// Escape, everything else is sent literally.
func splitKeys(data []byte) []keyPart {
	var parts []keyPart
	var lit []byte
	flush := func() {
		if len(lit) > 0 {
			parts = append(parts, keyPart{literal: string(lit)})
			lit = nil
		}
	}
	for _, c := range data {
		switch c {
		case '\n', '\r':
			flush()
			parts = append(parts, keyPart{key: "Enter"})
		case 0x03:
			flush()
			parts = append(parts, keyPart{key: "C-c"})
		case 0x1b:
			flush()
			parts = append(parts, keyPart{key: "Escape"})
		default:
			lit = append(lit, c)
		}
	}
	flush()
	return parts
}

// ReadBuffer implements Backend. Each call re-captures the pane.
func (b *PaneBackend) ReadBuffer() string {
	b.mu.Lock()
	if !b.started || b.stopped {
		buf := b.buf
		b.mu.Unlock()
		return buf
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := b.tmux(ctx, "capture-pane", "-p", "-t", b.paneID,
		"-S", "-"+strconv.Itoa(paneCaptureLines))
	if err != nil {
		logger.Warn(ctx, "pane capture failed", tag.ID(b.paneID), tag.Error(err))
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.buf
	}

	b.mu.Lock()
	b.buf = out
	b.mu.Unlock()
	return out
}

// ReadTail implements Backend.
func (b *PaneBackend) ReadTail(n int) string {
	return fileutil.TailLines(b.ReadBuffer(), n)
}

// ClearBuffer implements Backend. Only the local snapshot is dropped;
// the pane itself is untouched.
func (b *PaneBackend) ClearBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = ""
}

// ReadStream implements Backend. The pane has no push channel, so the
// stream polls captures and emits the newly appeared suffix.
func (b *PaneBackend) ReadStream(ctx context.Context) <-chan string {
	ch := make(chan string)
	last := b.ReadBuffer()
	go func() {
		defer close(ch)
		ticker := time.NewTicker(panePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !b.Alive() {
				return
			}
			current := b.ReadBuffer()
			if current == last {
				continue
			}
			chunk := current
			if strings.HasPrefix(current, last) {
				chunk = current[len(last):]
			}
			last = current
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Stop implements Backend. Detaching never kills the pane; the pane
// belongs to the user's multiplexer session.
func (b *PaneBackend) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

// Alive implements Backend.
func (b *PaneBackend) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && !b.stopped
}

// PID implements Backend. The pane's shell is not our child.
func (*PaneBackend) PID() int { return 0 }

// PollInterval implements Backend.
func (*PaneBackend) PollInterval() time.Duration { return panePollInterval }

// Accumulating implements Backend.
func (*PaneBackend) Accumulating() bool { return false }

func (b *PaneBackend) tmux(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
