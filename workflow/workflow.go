// Package workflow implements imperative orchestration: a workflow is a
// function over a Context that runs nodes, opens human-in-the-loop
// gates, and emits events. Each invocation is a Run that can suspend on
// a gate and resume when an answer arrives.
package workflow

import (
	"context"

	"github.com/nervehq/nerve/core"
)

// Fn is the body of a workflow. It receives the per-run Context; its
// return value becomes the run result and its error fails the run.
type Fn func(ctx context.Context, wc *Context) (any, error)

// Workflow binds a function to a session. It is immutable; all mutable
// state lives on the runs it spawns.
type Workflow struct {
	id   string
	sess core.Session
	fn   Fn
}

// New returns a workflow bound to the given session.
func New(id string, sess core.Session, fn Fn) *Workflow {
	return &Workflow{id: id, sess: sess, fn: fn}
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.id }

// Session returns the bound session.
func (w *Workflow) Session() core.Session { return w.sess }

// Execute creates a new pending run. The caller starts it.
func (w *Workflow) Execute(input any, params map[string]any) *Run {
	return newRun(w, input, params)
}
