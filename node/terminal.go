package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nervehq/nerve/backend"
	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/internal/cmdutil"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/parser"
)

const (
	// DefaultReadyTimeout bounds startup waits (wrapped-CLI prompt
	// readiness).
	DefaultReadyTimeout = 60 * time.Second
	// DefaultResponseTimeout bounds how long execute waits for the
	// parser to declare readiness.
	DefaultResponseTimeout = 1800 * time.Second

	// tailLines is the buffer tail size recorded in read entries.
	tailLines = 50

	writeSettle = 100 * time.Millisecond
	runSettle   = 500 * time.Millisecond
)

// Terminal is the capability set of terminal-backed nodes, shared by
// the direct terminal node and the wrapped-CLI node.
type Terminal interface {
	core.Node
	Start(ctx context.Context) error
	ExecuteStream(ctx context.Context, ec *core.ExecutionContext, onChunk func(chunk string) error) (any, error)
	Write(ctx context.Context, data []byte) error
	Run(ctx context.Context, command string) error
	Interrupt(ctx context.Context) error
	ReadTail(n int) string
	Buffer() string
	Close(ctx context.Context, reason string) error
	State() State
	OnStateChange(fn StateListener)
	HistoryPath() string
	Stats() *backend.ProcessStats
}

// TerminalConfig carries terminal node construction parameters.
type TerminalConfig struct {
	ID      string
	Command string
	CWD     string
	Env     []string
	Backend backend.Backend
	// History is nil when history is disabled for this node.
	History         *history.Writer
	DefaultParser   parser.Kind
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
}

// TerminalNode owns a subprocess backend, a default parser, and an
// optional history log. Exactly one logical operation (execute, stream,
// write, run, interrupt) may be in flight at a time; a second caller
// fails with Validation instead of queueing.
type TerminalNode struct {
	id              string
	command         string
	cwd             string
	env             []string
	backend         backend.Backend
	hist            *history.Writer
	defaultParser   parser.Kind
	readyTimeout    time.Duration
	responseTimeout time.Duration

	opMu sync.Mutex // held for the duration of one logical operation

	mu        sync.Mutex
	state     State
	listeners []StateListener
}

var _ Terminal = (*TerminalNode)(nil)

// NewTerminal returns an unstarted terminal node.
func NewTerminal(cfg TerminalConfig) *TerminalNode {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	return &TerminalNode{
		id:              cfg.ID,
		command:         cfg.Command,
		cwd:             cfg.CWD,
		env:             cfg.Env,
		backend:         cfg.Backend,
		hist:            cfg.History,
		defaultParser:   cfg.DefaultParser,
		readyTimeout:    cfg.ReadyTimeout,
		responseTimeout: cfg.ResponseTimeout,
	}
}

// ID implements core.Node.
func (n *TerminalNode) ID() string { return n.id }

// Type implements core.Node.
func (n *TerminalNode) Type() core.NodeType { return core.NodeTypeTerminal }

// Persistent implements core.Node.
func (n *TerminalNode) Persistent() bool { return true }

// State returns the current lifecycle state.
func (n *TerminalNode) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnStateChange registers a transition listener.
func (n *TerminalNode) OnStateChange(fn StateListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *TerminalNode) setState(s State) {
	n.mu.Lock()
	if n.state == StateStopped {
		// STOPPED is absorbing.
		n.mu.Unlock()
		return
	}
	n.state = s
	listeners := make([]StateListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn(n.id, s)
	}
}

// HistoryPath returns the history file location, or "" when history is
// disabled.
func (n *TerminalNode) HistoryPath() string {
	if n.hist == nil {
		return ""
	}
	return n.hist.Path()
}

// Stats samples the child process.
func (n *TerminalNode) Stats() *backend.ProcessStats {
	return backend.Stats(n.backend)
}

// Start spawns the backend, records the launch in history, and
// transitions to READY. A spawn failure leaves the node STOPPED.
func (n *TerminalNode) Start(ctx context.Context) error {
	if n.State() != StateCreated {
		return fmt.Errorf("node %s already started: %w", n.id, core.ErrInvalid)
	}
	n.setState(StateStarting)

	var argv []string
	if n.command != "" {
		name, args, err := cmdutil.SplitCommand(n.command)
		if err != nil {
			n.setState(StateStopped)
			return fmt.Errorf("%w: parse command: %v", core.ErrInvalid, err)
		}
		argv = append([]string{name}, args...)
	}

	if err := n.backend.Start(ctx, argv, n.cwd, n.env); err != nil {
		n.setState(StateStopped)
		return err
	}

	if n.hist != nil {
		n.hist.LogRun(ctx, n.command)
		n.sleep(ctx, runSettle)
		n.logRead(ctx)
	}

	n.setState(StateReady)
	logger.Info(ctx, "terminal node started", tag.Node(n.id), tag.PID(n.backend.PID()))
	return nil
}

// beginOp acquires the in-flight guard and checks the lifecycle.
func (n *TerminalNode) beginOp() error {
	if !n.opMu.TryLock() {
		return fmt.Errorf("node %s: operation already in flight: %w", n.id, core.ErrInvalid)
	}
	switch n.State() {
	case StateStopped, StateStopping:
		n.opMu.Unlock()
		return fmt.Errorf("node %s: %w", n.id, core.ErrClosed)
	case StateCreated, StateStarting:
		n.opMu.Unlock()
		return fmt.Errorf("node %s not started: %w", n.id, core.ErrInvalid)
	}
	return nil
}

// resolveParser applies the per-operation override from the execution
// context over the node default.
func (n *TerminalNode) resolveParser(ec *core.ExecutionContext) (parser.Parser, error) {
	var override parser.Kind
	if ec != nil {
		override = parser.Kind(ec.Parser)
	}
	return parser.Resolve(override, "", n.defaultParser)
}

// Execute sends the input, waits until the parser declares readiness,
// and returns the *parser.ParsedResponse for the newly produced output.
func (n *TerminalNode) Execute(ctx context.Context, ec *core.ExecutionContext) (any, error) {
	if err := n.beginOp(); err != nil {
		return nil, err
	}
	defer n.opMu.Unlock()

	p, err := n.resolveParser(ec)
	if err != nil {
		return nil, err
	}

	tsStart := time.Now()
	precedingSeq := n.logRead(ctx)

	n.setState(StateBusy)
	defer n.setState(StateReady)

	preLen := 0
	if n.backend.Accumulating() {
		preLen = len(n.backend.ReadBuffer())
	}

	input := ec.InputString()
	if err := n.backend.Write(append([]byte(input), p.Submit()...)); err != nil {
		return nil, err
	}

	if err := n.waitReady(ctx, ec, p, preLen); err != nil {
		return nil, err
	}

	resp, err := p.Parse(n.parseRegion(preLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrParser, err)
	}

	if ec.Usage != nil {
		ec.Usage.AddAPICalls(1)
		ec.Usage.AddTokens(resp.Tokens)
	}

	if n.hist != nil {
		n.hist.LogSend(ctx, input, tsStart, time.Now(), precedingSeq, resp)
	}
	return resp, nil
}

// ExecuteStream sends the input and forwards newly arrived chunks to
// onChunk until the parser declares readiness. Chunks are never
// persisted; completion emits one send_stream history entry. Returns
// the parsed response for the final buffer region.
func (n *TerminalNode) ExecuteStream(ctx context.Context, ec *core.ExecutionContext, onChunk func(chunk string) error) (any, error) {
	if err := n.beginOp(); err != nil {
		return nil, err
	}
	defer n.opMu.Unlock()

	p, err := n.resolveParser(ec)
	if err != nil {
		return nil, err
	}

	tsStart := time.Now()
	precedingSeq := n.logRead(ctx)

	n.setState(StateBusy)
	defer n.setState(StateReady)

	preLen := 0
	if n.backend.Accumulating() {
		preLen = len(n.backend.ReadBuffer())
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	stream := n.backend.ReadStream(streamCtx)

	input := ec.InputString()
	if err := n.backend.Write(append([]byte(input), p.Submit()...)); err != nil {
		return nil, err
	}

	timeout := n.effectiveTimeout(ec)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(n.backend.PollInterval())
	defer ticker.Stop()

	for !p.IsReady(n.parseRegion(preLen)) {
		select {
		case chunk, ok := <-stream:
			if !ok {
				// Child exited; whatever arrived is the final output.
				goto done
			}
			if err := onChunk(chunk); err != nil {
				return nil, err
			}
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("node %s: no response within %s: %w", n.id, timeout, core.ErrTimeout)
		case <-ec.Cancel.Done():
			return nil, ec.Cancel.Check()
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		if err := ec.CheckCancelled(ctx); err != nil {
			return nil, err
		}
	}

done:
	resp, err := p.Parse(n.parseRegion(preLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrParser, err)
	}
	if ec.Usage != nil {
		ec.Usage.AddAPICalls(1)
		ec.Usage.AddTokens(resp.Tokens)
	}
	if n.hist != nil {
		n.hist.LogSendStream(ctx, input, tsStart, time.Now(), precedingSeq,
			n.backend.ReadTail(tailLines), string(p.Kind()))
	}
	return resp, nil
}

/// effectiveTimeout resolves the response timeout: context override wins
// over the node default. A zero override means a single immediate
// readiness check.
func (n *TerminalNode) effectiveTimeout(ec *core.ExecutionContext) time.Duration {
	if ec != nil && ec.Timeout != nil {
		return *ec.Timeout
	}
	return n.responseTimeout
}

// waitReady polls the parser at the backend cadence until ready,
// timeout, or cancellation.
func (n *TerminalNode) waitReady(ctx context.Context, ec *core.ExecutionContext, p parser.Parser, preLen int) error {
	timeout := n.effectiveTimeout(ec)
	if timeout <= 0 {
		if p.IsReady(n.parseRegion(preLen)) {
			return nil
		}
		return fmt.Errorf("node %s: not ready at first poll: %w", n.id, core.ErrTimeout)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	interval := n.backend.PollInterval()

	// One settle interval before the first check lets the input echo
	// land in the buffer.
	for {
		select {
		case <-time.After(interval):
		case <-deadline.C:
			return fmt.Errorf("node %s: no response within %s: %w", n.id, timeout, core.ErrTimeout)
		case <-ec.Cancel.Done():
			return ec.Cancel.Check()
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		if err := ec.CheckCancelled(ctx); err != nil {
			return err
		}
		if p.IsReady(n.parseRegion(preLen)) {
			return nil
		}
	}
}

// parseRegion is the buffer portion handed to the parser: from the
// pre-send offset on the accumulating backend, the whole snapshot on
// the pane backend.
func (n *TerminalNode) parseRegion(preLen int) string {
	buf := n.backend.ReadBuffer()
	if n.backend.Accumulating() && preLen <= len(buf) {
		return buf[preLen:]
	}
	return buf
}

// Write sends raw bytes and records write + a follow-up read.
func (n *TerminalNode) Write(ctx context.Context, data []byte) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.opMu.Unlock()

	if err := n.backend.Write(data); err != nil {
		return err
	}
	if n.hist != nil {
		n.hist.LogWrite(ctx, string(data))
		n.sleep(ctx, writeSettle)
		n.logRead(ctx)
	}
	return nil
}

// Run sends command followed by a newline and records run + a follow-up
// read.
func (n *TerminalNode) Run(ctx context.Context, command string) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.opMu.Unlock()

	if err := n.backend.Write([]byte(command + "\n")); err != nil {
		return err
	}
	if n.hist != nil {
		n.hist.LogRun(ctx, command)
		n.sleep(ctx, runSettle)
		n.logRead(ctx)
	}
	return nil
}

// Interrupt sends ^C and records interrupt + a follow-up read.
func (n *TerminalNode) Interrupt(ctx context.Context) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.opMu.Unlock()

	if err := n.backend.Write([]byte{0x03}); err != nil {
		return err
	}
	if n.hist != nil {
		n.hist.LogInterrupt(ctx)
		n.sleep(ctx, writeSettle)
		n.logRead(ctx)
	}
	return nil
}

// ReadTail returns the last n buffer lines without mutating anything.
func (n *TerminalNode) ReadTail(lines int) string {
	return n.backend.ReadTail(lines)
}

// Buffer returns the full accumulated output.
func (n *TerminalNode) Buffer() string {
	return n.backend.ReadBuffer()
}

// Close records final read + close entries, closes history, stops the
// backend, and transitions to STOPPED. Idempotent.
func (n *TerminalNode) Close(ctx context.Context, reason string) error {
	n.mu.Lock()
	if n.state == StateStopped {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.setState(StateStopping)

	if n.hist != nil {
		n.logRead(ctx)
		n.hist.LogClose(ctx, reason)
		_ = n.hist.Close()
	}
	err := n.backend.Stop(ctx)
	n.setState(StateStopped)
	logger.Info(ctx, "terminal node stopped", tag.Node(n.id), tag.Reason(reason))
	return err
}

// logRead appends a read entry of the buffer tail and returns its seq
// (0 when history is disabled or the write failed).
func (n *TerminalNode) logRead(ctx context.Context) int64 {
	if n.hist == nil {
		return 0
	}
	return n.hist.LogRead(ctx, n.backend.ReadTail(tailLines), tailLines)
}

// sleep waits for d unless ctx ends first.
func (n *TerminalNode) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
