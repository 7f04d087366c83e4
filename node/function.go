package node

import (
	"context"

	"github.com/nervehq/nerve/core"
)

// Fn is the callable wrapped by a function node.
type Fn func(ctx context.Context, ec *core.ExecutionContext) (any, error)

// FunctionNode wraps a callable. Stateless and ephemeral: it holds no
// subprocess, no history, and no lifecycle beyond the call itself.
type FunctionNode struct {
	id string
	fn Fn
}

var _ core.Node = (*FunctionNode)(nil)

// NewFunction returns a function node.
func NewFunction(id string, fn Fn) *FunctionNode {
	return &FunctionNode{id: id, fn: fn}
}

// ID implements core.Node.
func (n *FunctionNode) ID() string { return n.id }

// Type implements core.Node.
func (n *FunctionNode) Type() core.NodeType { return core.NodeTypeFunction }

// Persistent implements core.Node.
func (n *FunctionNode) Persistent() bool { return false }

// Execute invokes the wrapped callable and returns its result,
// propagating whatever it fails with.
func (n *FunctionNode) Execute(ctx context.Context, ec *core.ExecutionContext) (any, error) {
	return n.fn(ctx, ec)
}
