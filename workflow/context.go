package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
)

// Context is the surface a workflow function programs against: run
// nodes, open gates, emit events, and keep scratch state. One Context
// exists per run and is not safe for use after the run ends.
type Context struct {
	run *Run
}

// RunID returns the enclosing run's id.
func (c *Context) RunID() string { return c.run.id }

// Input returns the run input.
func (c *Context) Input() any { return c.run.input }

// Params returns the run parameters. Treated as read-only.
func (c *Context) Params() map[string]any { return c.run.params }

// Session returns the session the workflow is bound to.
func (c *Context) Session() core.Session { return c.run.wf.sess }

// Set stores a value in the run's scratch state.
func (c *Context) Set(key string, value any) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.scratch[key] = value
}

// Get reads a value from the run's scratch state.
func (c *Context) Get(key string) (any, bool) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	v, ok := c.run.scratch[key]
	return v, ok
}

// Emit appends an event to the run's event log.
func (c *Context) Emit(kind string, data any) {
	c.run.appendEvent(kind, data)
}

// RunOption configures a node invocation.
type RunOption func(*core.ExecutionContext)

// WithRunTimeout overrides the node's response timeout for this call.
func WithRunTimeout(d time.Duration) RunOption {
	return func(ec *core.ExecutionContext) { ec.Timeout = &d }
}

// Run looks the node up in the bound session and executes it with the
// given input, returning {"output": result}. Node errors propagate.
func (c *Context) Run(ctx context.Context, nodeID string, input any, opts ...RunOption) (map[string]any, error) {
	sess := c.run.wf.sess
	if sess == nil {
		return nil, fmt.Errorf("workflow %s has no session: %w", c.run.wf.id, core.ErrInvalid)
	}
	n, err := sess.GetNode(nodeID)
	if err != nil {
		return nil, err
	}

	ec := core.NewExecutionContext(sess, input, core.WithCancel(c.run.cancel))
	for _, opt := range opts {
		opt(ec)
	}
	out, err := n.Execute(ctx, ec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out}, nil
}

// GateOption configures a gate.
type GateOption func(*gateOpts)

type gateOpts struct {
	timeout time.Duration
	choices []string
}

// WithGateTimeout bounds how long the gate waits for an answer.
func WithGateTimeout(d time.Duration) GateOption {
	return func(o *gateOpts) { o.timeout = d }
}

// WithChoices attaches the allowed answers to the gate for display.
func WithChoices(choices ...string) GateOption {
	return func(o *gateOpts) { o.choices = choices }
}

// Gate suspends the run until an external answer arrives. The run
// transitions to WAITING with a pending gate and a gate_opened event;
// AnswerGate resumes it. Gates are sequential, at most one pending.
func (c *Context) Gate(ctx context.Context, prompt string, opts ...GateOption) (any, error) {
	var o gateOpts
	for _, opt := range opts {
		opt(&o)
	}

	r := c.run
	gate := &Gate{Prompt: prompt, Choices: o.choices, OpenedAt: time.Now().UTC()}

	r.mu.Lock()
	if r.pendingGate != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s already has a pending gate: %w", r.id, core.ErrInvalid)
	}
	r.pendingGate = gate
	r.state = StateWaiting
	r.events = append(r.events, Event{
		Kind: EventGateOpened,
		Data: map[string]any{"prompt": prompt, "choices": o.choices},
		TS:   gate.OpenedAt,
	})
	r.mu.Unlock()

	logger.Info(ctx, "gate opened", tag.Run(r.id), tag.Reason(prompt))

	var deadline <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case answer := <-r.gateAnswer:
		r.resumeGate(StateRunning)
		return answer, nil
	case <-deadline:
		r.resumeGate(StateRunning)
		return nil, fmt.Errorf("gate %q unanswered after %s: %w", prompt, o.timeout, core.ErrTimeout)
	case <-r.cancel.Done():
		r.resumeGate(StateCancelled)
		return nil, r.cancel.Check()
	case <-ctx.Done():
		r.resumeGate(StateCancelled)
		return nil, context.Cause(ctx)
	}
}
