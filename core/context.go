package core

import (
	"context"
	"fmt"
	"time"
)

// Session is the view of the session registry that execution needs:
// step node_ref lookup and workflow node lookup. The session package
// provides the concrete implementation.
type Session interface {
	ID() string
	GetNode(id string) (Node, error)
}

// Node is the capability set shared by terminal, function, and graph
// nodes. Optional capabilities (streaming, raw terminal I/O) are
// separate interfaces discovered by type assertion.
type Node interface {
	ID() string
	Type() NodeType
	// Persistent reports whether the node outlives a single execution
	// (terminal nodes) or is ephemeral (function nodes, graphs).
	Persistent() bool
	// Execute runs the node with the given execution context and returns
	// its result.
	Execute(ctx context.Context, ec *ExecutionContext) (any, error)
}

// NodeType tags the node variant.
type NodeType string

const (
	NodeTypeTerminal NodeType = "terminal"
	NodeTypeFunction NodeType = "function"
	NodeTypeGraph    NodeType = "graph"
)

// ExecutionContext is the capability bundle threaded through node,
// graph, and workflow execution. WithInput and WithUpstream return
// copies; Budget, Usage, Cancel, and Trace are shared by reference so
// limits and aborts span the whole subtree.
type ExecutionContext struct {
	Session  Session
	Input    any
	Upstream map[string]any

	// Parser overrides the node's default parser kind for this
	// operation. Empty means no override.
	Parser string
	// Timeout overrides the node's response timeout. Nil means no
	// override; a pointer to zero forces a single immediate readiness
	// check.
	Timeout *time.Duration

	Usage  *ResourceUsage
	Cancel *CancellationToken
	Trace  *ExecutionTrace
}

// ContextOption configures a new ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithBudget constrains the execution to the given budget.
func WithBudget(b *Budget) ContextOption {
	return func(ec *ExecutionContext) { ec.Usage = NewUsage(b) }
}

// WithTimeout overrides the response timeout for the execution.
func WithTimeout(d time.Duration) ContextOption {
	return func(ec *ExecutionContext) { ec.Timeout = &d }
}

// WithParser overrides the parser kind for the execution.
func WithParser(kind string) ContextOption {
	return func(ec *ExecutionContext) { ec.Parser = kind }
}

// WithTrace attaches an opt-in execution trace.
func WithTrace(t *ExecutionTrace) ContextOption {
	return func(ec *ExecutionContext) { ec.Trace = t }
}

// WithCancel shares an existing cancellation token instead of a fresh
// one.
func WithCancel(t *CancellationToken) ContextOption {
	return func(ec *ExecutionContext) { ec.Cancel = t }
}

// NewExecutionContext builds a context for one execution. Unless
// overridden it carries an unlimited usage counter and a fresh
// cancellation token.
func NewExecutionContext(sess Session, input any, opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		Session: sess,
		Input:   input,
		Usage:   NewUsage(nil),
		Cancel:  NewCancellationToken(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// WithInput returns a copy carrying the new input. Shared references
// (usage, cancel, trace) are preserved.
func (ec *ExecutionContext) WithInput(input any) *ExecutionContext {
	clone := *ec
	clone.Input = input
	return &clone
}

// WithUpstream returns a copy carrying the upstream results map. The
// map itself is shared with the caller; only the enclosing graph
// extends it.
func (ec *ExecutionContext) WithUpstream(upstream map[string]any) *ExecutionContext {
	clone := *ec
	clone.Upstream = upstream
	return &clone
}

// WithSubBudget returns a copy whose usage is a fresh child counter
// constrained by sub while still incrementing this context's counter.
func (ec *ExecutionContext) WithSubBudget(sub *Budget) *ExecutionContext {
	clone := *ec
	clone.Usage = ec.Usage.Child(sub)
	return &clone
}

// CheckCancelled returns ErrCanceled if the shared token has tripped or
// the Go context is done.
func (ec *ExecutionContext) CheckCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if ec.Cancel == nil {
		return nil
	}
	return ec.Cancel.Check()
}

// CheckBudget returns a *BudgetExceededError if accumulated usage
// breaches any budget on the usage chain.
func (ec *ExecutionContext) CheckBudget() error {
	if ec.Usage == nil {
		return nil
	}
	return ec.Usage.Check()
}

// InputString renders the input as a string for terminal writes. Nil
// input is the empty string.
func (ec *ExecutionContext) InputString() string {
	switch v := ec.Input.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
