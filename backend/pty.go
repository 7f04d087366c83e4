package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
)

const (
	ptyPollInterval = 300 * time.Millisecond
	// stopGrace is how long Stop waits after SIGTERM before escalating
	// to SIGKILL.
	stopGrace = 3 * time.Second
	readChunk = 4096
)

// PTYBackend forks the child on a pseudo-terminal and drains its output
// continuously into an in-memory buffer.
type PTYBackend struct {
	mu      sync.Mutex
	buf     strings.Builder
	ptmx    *os.File
	cmd     *exec.Cmd
	subs    []*streamSub
	started bool
	closed  bool
	done    chan struct{}
}

var _ Backend = (*PTYBackend)(nil)

// NewPTY returns an unstarted PTY backend.
func NewPTY() *PTYBackend {
	return &PTYBackend{done: make(chan struct{})}
}

// Start implements Backend.
func (b *PTYBackend) Start(ctx context.Context, argv []string, cwd string, env []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("backend already started: %w", core.ErrInvalid)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty command: %w", core.ErrInvalid)
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	// Own process group so Stop can signal the whole subtree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrSpawn, argv[0], err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	b.ptmx = ptmx
	b.cmd = cmd
	b.started = true

	logger.Debug(ctx, "pty child started", tag.Cmd(argv[0]), tag.PID(cmd.Process.Pid))
	go b.readLoop()
	return nil
}

// readLoop drains the PTY into the buffer and fans chunks out to
// stream subscribers. Ends when the child exits or the PTY closes.
func (b *PTYBackend) readLoop() {
	buf := make([]byte, readChunk)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			b.mu.Lock()
			b.buf.WriteString(chunk)
			for _, sub := range b.subs {
				sub.push(chunk)
			}
			b.mu.Unlock()
		}
		if err != nil {
			// EIO is the normal master-side read error after child exit.
			b.mu.Lock()
			b.closed = true
			for _, sub := range b.subs {
				sub.close()
			}
			b.subs = nil
			b.mu.Unlock()
			close(b.done)
			return
		}
	}
}

// Write implements Backend.
func (b *PTYBackend) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return fmt.Errorf("backend not started: %w", core.ErrClosed)
	}
	if b.closed {
		return fmt.Errorf("child has exited: %w", core.ErrClosed)
	}
	if _, err := b.ptmx.Write(data); err != nil {
		return fmt.Errorf("pty write: %v: %w", err, core.ErrClosed)
	}
	return nil
}

// ReadBuffer implements Backend.
func (b *PTYBackend) ReadBuffer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ReadTail implements Backend.
func (b *PTYBackend) ReadTail(n int) string {
	return fileutil.TailLines(b.ReadBuffer(), n)
}

// ClearBuffer implements Backend.
func (b *PTYBackend) ClearBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// ReadStream implements Backend. The subscription starts at the current
// tail; chunks written before the call are not replayed.
func (b *PTYBackend) ReadStream(ctx context.Context) <-chan string {
	sub := newStreamSub()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.out(ctx)
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.out(ctx)
}

// Stop implements Backend. TERM first, KILL after a grace period.
func (b *PTYBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	cmd := b.cmd
	ptmx := b.ptmx
	alreadyClosed := b.closed
	b.mu.Unlock()

	if !alreadyClosed && cmd.Process != nil {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			logger.Debug(ctx, "sigterm failed", tag.PID(cmd.Process.Pid), tag.Error(err))
		}
		select {
		case <-b.done:
		case <-time.After(stopGrace):
			logger.Warn(ctx, "child did not exit, killing", tag.PID(cmd.Process.Pid))
			_ = unix.Kill(pgid, unix.SIGKILL)
		case <-ctx.Done():
			_ = unix.Kill(pgid, unix.SIGKILL)
		}
	}

	if ptmx != nil {
		_ = ptmx.Close()
	}
	// Join the reader.
	select {
	case <-b.done:
	case <-time.After(stopGrace):
	}
	_ = cmd.Wait()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Alive implements Backend.
func (b *PTYBackend) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && !b.closed
}

// PID implements Backend.
func (b *PTYBackend) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// PollInterval implements Backend.
func (*PTYBackend) PollInterval() time.Duration { return ptyPollInterval }

// Accumulating implements Backend.
func (*PTYBackend) Accumulating() bool { return true }
