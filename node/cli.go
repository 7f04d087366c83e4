package node

import (
	"context"
	"fmt"
	"time"

	"github.com/nervehq/nerve/backend"
	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/parser"
)

// cliShell hosts the wrapped CLI. An interactive shell keeps the PTY
// alive across CLI restarts and gives run/write a place to land.
const cliShell = "bash"

// CLIConfig carries wrapped-CLI node construction parameters.
type CLIConfig struct {
	ID string
	// Command launches the target CLI inside the inner shell. Required.
	Command string
	CWD     string
	Env     []string
	// History is the wrapper's writer; the inner node logs into it so
	// exactly one history file exists per wrapped node.
	History         *history.Writer
	DefaultParser   parser.Kind
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
}

// CLINode composes an inner terminal node running a shell and issues
// the target CLI command through it at startup. The wrapper owns
// history; all public operations delegate to the inner node.
type CLINode struct {
	id           string
	command      string
	inner        *TerminalNode
	readyTimeout time.Duration
}

var _ Terminal = (*CLINode)(nil)

// NewCLI returns an unstarted wrapped-CLI node. The command must be
// non-empty; the default parser falls back to claude.
func NewCLI(cfg CLIConfig) (*CLINode, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("wrapped-cli node requires a command: %w", core.ErrInvalid)
	}
	if cfg.DefaultParser == "" {
		cfg.DefaultParser = parser.KindClaude
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	inner := NewTerminal(TerminalConfig{
		ID:              cfg.ID,
		Command:         cliShell,
		CWD:             cfg.CWD,
		Env:             cfg.Env,
		Backend:         backend.NewPTY(),
		History:         cfg.History,
		DefaultParser:   cfg.DefaultParser,
		ReadyTimeout:    cfg.ReadyTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
	})
	return &CLINode{
		id:           cfg.ID,
		command:      cfg.Command,
		inner:        inner,
		readyTimeout: cfg.ReadyTimeout,
	}, nil
}

// ID implements core.Node.
func (n *CLINode) ID() string { return n.id }

// Type implements core.Node.
func (n *CLINode) Type() core.NodeType { return core.NodeTypeTerminal }

// Persistent implements core.Node.
func (n *CLINode) Persistent() bool { return true }

// Start spawns the inner shell, issues the CLI command through it, and
// waits for the parser to report an idle prompt within ready_timeout.
func (n *CLINode) Start(ctx context.Context) error {
	if err := n.inner.Start(ctx); err != nil {
		return err
	}
	if err := n.inner.Run(ctx, n.command); err != nil {
		_ = n.inner.Close(ctx, "startup failed")
		return err
	}
	if err := n.awaitPrompt(ctx); err != nil {
		_ = n.inner.Close(ctx, "startup timeout")
		return err
	}
	logger.Info(ctx, "wrapped cli ready", tag.Node(n.id), tag.Cmd(n.command))
	return nil
}

// awaitPrompt polls the default parser until the CLI draws its idle
// prompt.
func (n *CLINode) awaitPrompt(ctx context.Context) error {
	p, err := parser.New(n.inner.defaultParser)
	if err != nil {
		return err
	}
	deadline := time.NewTimer(n.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(n.inner.backend.PollInterval())
	defer ticker.Stop()
	for {
		if p.IsReady(n.inner.backend.ReadBuffer()) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("node %s: cli not ready within %s: %w", n.id, n.readyTimeout, core.ErrTimeout)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Execute delegates to the inner node.
func (n *CLINode) Execute(ctx context.Context, ec *core.ExecutionContext) (any, error) {
	return n.inner.Execute(ctx, ec)
}

// ExecuteStream delegates to the inner node.
func (n *CLINode) ExecuteStream(ctx context.Context, ec *core.ExecutionContext, onChunk func(chunk string) error) (any, error) {
	return n.inner.ExecuteStream(ctx, ec, onChunk)
}

// Write delegates to the inner node.
func (n *CLINode) Write(ctx context.Context, data []byte) error {
	return n.inner.Write(ctx, data)
}

// Run delegates to the inner node.
func (n *CLINode) Run(ctx context.Context, command string) error {
	return n.inner.Run(ctx, command)
}

// Interrupt delegates to the inner node.
func (n *CLINode) Interrupt(ctx context.Context) error {
	return n.inner.Interrupt(ctx)
}

// ReadTail delegates to the inner node.
func (n *CLINode) ReadTail(lines int) string { return n.inner.ReadTail(lines) }

// Buffer delegates to the inner node.
func (n *CLINode) Buffer() string { return n.inner.Buffer() }

// Close delegates to the inner node.
func (n *CLINode) Close(ctx context.Context, reason string) error {
	return n.inner.Close(ctx, reason)
}

// State delegates to the inner node.
func (n *CLINode) State() State { return n.inner.State() }

// OnStateChange delegates to the inner node.
func (n *CLINode) OnStateChange(fn StateListener) { n.inner.OnStateChange(fn) }

// HistoryPath delegates to the inner node.
func (n *CLINode) HistoryPath() string { return n.inner.HistoryPath() }

// Stats delegates to the inner node.
func (n *CLINode) Stats() *backend.ProcessStats { return n.inner.Stats() }
