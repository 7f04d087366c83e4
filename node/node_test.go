package node_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nervehq/nerve/backend"
	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/node"
	"github.com/nervehq/nerve/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a deterministic in-memory backend. Writes echo into
// the buffer like a real PTY would.
type fakeBackend struct {
	mu      sync.Mutex
	buf     strings.Builder
	writes  []string
	subs    []chan string
	started bool
	stopped bool
	// echo controls whether writes land in the buffer.
	echo bool
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend { return &fakeBackend{echo: true} }

func (f *fakeBackend) Start(context.Context, []string, string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBackend) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return core.ErrClosed
	}
	f.writes = append(f.writes, string(data))
	if f.echo {
		f.push(string(data))
	}
	return nil
}

// feed simulates subprocess output.
func (f *fakeBackend) feed(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push(s)
}

func (f *fakeBackend) push(s string) {
	f.buf.WriteString(s)
	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (f *fakeBackend) ReadBuffer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func (f *fakeBackend) ReadTail(n int) string { return fileutil.TailLines(f.ReadBuffer(), n) }

func (f *fakeBackend) ClearBuffer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Reset()
}

func (f *fakeBackend) ReadStream(ctx context.Context) <-chan string {
	ch := make(chan string, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeBackend) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeBackend) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopped
}

func (f *fakeBackend) PID() int                    { return 0 }
func (f *fakeBackend) PollInterval() time.Duration { return 10 * time.Millisecond }
func (f *fakeBackend) Accumulating() bool          { return true }

func newTestTerminal(t *testing.T, fb *fakeBackend) (*node.TerminalNode, string) {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()
	w, err := history.NewWriter(ctx, base, "srv", "term-1")
	require.NoError(t, err)
	n := node.NewTerminal(node.TerminalConfig{
		ID:            "term-1",
		Command:       "fake-shell",
		Backend:       fb,
		History:       w,
		DefaultParser: parser.KindRaw,
	})
	require.NoError(t, n.Start(ctx))
	return n, history.Path(base, "srv", "term-1")
}

func TestFunctionNode(t *testing.T) {
	t.Parallel()

	// S1: function node upper-cases its input; no history file exists.
	n := node.NewFunction("upper", func(_ context.Context, ec *core.ExecutionContext) (any, error) {
		return strings.ToUpper(ec.InputString()), nil
	})
	assert.Equal(t, core.NodeTypeFunction, n.Type())
	assert.False(t, n.Persistent())

	out, err := n.Execute(context.Background(), core.NewExecutionContext(nil, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "HI", out)
}

func TestTerminalLifecycle(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	n, _ := newTestTerminal(t, fb)
	assert.Equal(t, node.StateReady, n.State())
	assert.True(t, n.Persistent())
	assert.Equal(t, core.NodeTypeTerminal, n.Type())

	ctx := context.Background()
	require.NoError(t, n.Close(ctx, "test done"))
	assert.Equal(t, node.StateStopped, n.State())

	// Idempotent close; stopped node rejects operations.
	require.NoError(t, n.Close(ctx, "again"))
	_, err := n.Execute(ctx, core.NewExecutionContext(nil, "x"))
	require.ErrorIs(t, err, core.ErrClosed)
	require.ErrorIs(t, n.Run(ctx, "ls"), core.ErrClosed)
	require.ErrorIs(t, n.Write(ctx, []byte("x")), core.ErrClosed)
}

func TestTerminalStateTransitions(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	n, _ := newTestTerminal(t, fb)

	var mu sync.Mutex
	var seen []node.State
	n.OnStateChange(func(_ string, s node.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	_, err := n.Execute(context.Background(), core.NewExecutionContext(nil, "hello"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []node.State{node.StateBusy, node.StateReady}, seen)
}

func TestTerminalExecuteHistoryOrder(t *testing.T) {
	t.Parallel()

	// S2 shape: history ops are run, read (startup), read (preceding),
	// send.
	fb := newFakeBackend()
	n, path := newTestTerminal(t, fb)

	resp, err := n.Execute(context.Background(), core.NewExecutionContext(nil, "printf done"))
	require.NoError(t, err)

	parsed, ok := resp.(*parser.ParsedResponse)
	require.True(t, ok)
	require.Len(t, parsed.Sections, 1)
	assert.Contains(t, parsed.Sections[0].Content, "printf done")

	entries, err := history.NewReader(path).GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, history.OpRun, entries[0].Op)
	assert.Equal(t, history.OpRead, entries[1].Op)
	assert.Equal(t, history.OpRead, entries[2].Op)
	assert.Equal(t, history.OpSend, entries[3].Op)

	// The send entry links the preceding read.
	assert.Equal(t, entries[2].Seq, entries[3].PrecedingBufferSeq)
	assert.Equal(t, "printf done", entries[3].Input)
}

func TestTerminalExecuteParsesNewOutputOnly(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	n, _ := newTestTerminal(t, fb)
	fb.feed("old banner output\n")

	resp, err := n.Execute(context.Background(), core.NewExecutionContext(nil, "new input"))
	require.NoError(t, err)
	parsed := resp.(*parser.ParsedResponse)
	assert.NotContains(t, parsed.Sections[0].Content, "old banner")
	assert.Contains(t, parsed.Sections[0].Content, "new input")
}

func TestTerminalExecuteZeroTimeout(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.echo = false
	n, _ := newTestTerminal(t, fb)

	ec := core.NewExecutionContext(nil, "x",
		core.WithParser(string(parser.KindClaude)), core.WithTimeout(0))
	_, err := n.Execute(context.Background(), ec)
	require.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, node.StateReady, n.State())
}

func TestTerminalExecuteTimeout(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.echo = false
	n, _ := newTestTerminal(t, fb)

	ec := core.NewExecutionContext(nil, "x",
		core.WithParser(string(parser.KindClaude)), core.WithTimeout(50*time.Millisecond))
	_, err := n.Execute(context.Background(), ec)
	require.ErrorIs(t, err, core.ErrTimeout)
}

func TestTerminalExecuteCancellation(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.echo = false
	n, _ := newTestTerminal(t, fb)

	ec := core.NewExecutionContext(nil, "x", core.WithParser(string(parser.KindClaude)))
	go func() {
		time.Sleep(30 * time.Millisecond)
		ec.Cancel.Cancel()
	}()

	start := time.Now()
	_, err := n.Execute(context.Background(), ec)
	require.ErrorIs(t, err, core.ErrCanceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTerminalOneOperationInFlight(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.echo = false
	n, _ := newTestTerminal(t, fb)

	ec := core.NewExecutionContext(nil, "slow", core.WithParser(string(parser.KindClaude)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = n.Execute(context.Background(), ec)
	}()

	require.Eventually(t, func() bool {
		return n.State() == node.StateBusy
	}, time.Second, 5*time.Millisecond)

	_, err := n.Execute(context.Background(), core.NewExecutionContext(nil, "second"))
	require.ErrorIs(t, err, core.ErrInvalid)

	ec.Cancel.Cancel()
	<-done
}

func TestTerminalExecuteStream(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.echo = false
	n, path := newTestTerminal(t, fb)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fb.feed("● answer text\n")
		time.Sleep(20 * time.Millisecond)
		fb.feed("╭──╮\n│ ❯ │\n╰──╯\n? for shortcuts\n")
	}()

	var chunks []string
	ec := core.NewExecutionContext(nil, "question", core.WithParser(string(parser.KindClaude)))
	resp, err := n.ExecuteStream(context.Background(), ec, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.NotEmpty(t, chunks)

	entries, err := history.NewReader(path).GetByOp(context.Background(), history.OpSendStream)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "claude", entries[0].Parser)
	assert.NotEmpty(t, entries[0].FinalBuffer)
}

func TestTerminalLowLevelOps(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	n, path := newTestTerminal(t, fb)
	ctx := context.Background()

	require.NoError(t, n.Write(ctx, []byte("raw bytes")))
	require.NoError(t, n.Run(ctx, "ls -la"))
	require.NoError(t, n.Interrupt(ctx))

	// The interrupt went to the backend as ^C.
	fb.mu.Lock()
	wrote := strings.Join(fb.writes, "")
	fb.mu.Unlock()
	assert.Contains(t, wrote, "\x03")
	assert.Contains(t, wrote, "ls -la\n")

	entries, err := history.NewReader(path).GetAll(ctx)
	require.NoError(t, err)

	var ops []history.Op
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	// startup run+read, then write+read, run+read, interrupt+read.
	assert.Equal(t, []history.Op{
		history.OpRun, history.OpRead,
		history.OpWrite, history.OpRead,
		history.OpRun, history.OpRead,
		history.OpInterrupt, history.OpRead,
	}, ops)
}

func TestTerminalWithoutHistory(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	n := node.NewTerminal(node.TerminalConfig{
		ID:      "no-hist",
		Command: "fake-shell",
		Backend: fb,
	})
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	assert.Empty(t, n.HistoryPath())

	_, err := n.Execute(ctx, core.NewExecutionContext(nil, "x"))
	require.NoError(t, err)
	require.NoError(t, n.Close(ctx, "done"))
}

func TestCLINodeRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := node.NewCLI(node.CLIConfig{ID: "c"})
	require.ErrorIs(t, err, core.ErrInvalid)
}

func TestCLINodeOwnsSingleHistoryFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()
	w, err := history.NewWriter(ctx, base, "srv", "wrapped")
	require.NoError(t, err)

	// A raw parser makes the startup wait return immediately, so the
	// test exercises the wrapper without a real CLI binary.
	n, err := node.NewCLI(node.CLIConfig{
		ID:            "wrapped",
		Command:       "true",
		History:       w,
		DefaultParser: parser.KindRaw,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Close(ctx, "test done") })

	assert.Equal(t, node.StateReady, n.State())
	assert.Equal(t, history.Path(base, "srv", "wrapped"), n.HistoryPath())

	// Exactly one history file exists under the server dir.
	entries, err := history.NewReader(n.HistoryPath()).GetAll(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Equal(t, history.OpRun, entries[0].Op)
}
