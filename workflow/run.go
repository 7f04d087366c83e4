package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/internal/telemetry"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateWaiting   State = "WAITING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// EventGateOpened is published when a gate suspends the run.
const EventGateOpened = "gate_opened"

// Event is one entry of a run's append-only event log.
type Event struct {
	Kind string    `json:"kind"`
	Data any       `json:"data,omitempty"`
	TS   time.Time `json:"ts"`
}

// Gate describes the question a WAITING run is suspended on.
type Gate struct {
	Prompt   string    `json:"prompt"`
	Choices  []string  `json:"choices,omitempty"`
	OpenedAt time.Time `json:"opened_at"`
}

// Run is one invocation of a workflow. The function body executes on
// its own goroutine; AnswerGate, Cancel, and Wait are the external
// control surface.
type Run struct {
	id     string
	wf     *Workflow
	input  any
	params map[string]any
	cancel *core.CancellationToken

	mu          sync.Mutex
	state       State
	result      any
	errMsg      string
	runErr      error
	pendingGate *Gate
	events      []Event
	scratch     map[string]any

	// gateAnswer is the single-slot channel a gate suspends on.
	gateAnswer chan any
	done       chan struct{}
	started    bool
}

func newRun(wf *Workflow, input any, params map[string]any) *Run {
	return &Run{
		id:         uuid.NewString(),
		wf:         wf,
		input:      input,
		params:     params,
		cancel:     core.NewCancellationToken(),
		state:      StatePending,
		scratch:    make(map[string]any),
		gateAnswer: make(chan any, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// WorkflowID returns the id of the workflow this run belongs to.
func (r *Run) WorkflowID() string { return r.wf.id }

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the function's return value once COMPLETED.
func (r *Run) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the failure once FAILED or CANCELLED, nil otherwise.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Events returns a copy of the event log in emit order.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// PendingGate returns the gate a WAITING run is suspended on, nil
// otherwise.
func (r *Run) PendingGate() *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingGate == nil {
		return nil
	}
	g := *r.pendingGate
	return &g
}

// Start launches the workflow function on its own goroutine and
// transitions PENDING to RUNNING. Starting twice is a Validation error.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("run %s already started: %w", r.id, core.ErrInvalid)
	}
	r.started = true
	r.state = StateRunning
	r.mu.Unlock()

	go r.exec(ctx)
	return nil
}

func (r *Run) exec(ctx context.Context) {
	defer close(r.done)

	spanCtx, span := telemetry.StartSpan(ctx, "workflow.run",
		attribute.String("workflow.id", r.wf.id),
		attribute.String("run.id", r.id))

	wc := &Context{run: r}
	result, err := r.invoke(spanCtx, wc)
	telemetry.EndSpan(span, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		// Cancel won the race; keep its outcome.
		return
	}
	if err != nil {
		r.runErr = err
		r.errMsg = err.Error()
		if core.KindOf(err) == core.KindCanceled {
			r.state = StateCancelled
		} else {
			r.state = StateFailed
		}
		logger.Error(spanCtx, "workflow run failed",
			tag.Run(r.id), tag.State(string(r.state)), tag.Error(err))
		return
	}
	r.result = result
	r.state = StateCompleted
	logger.Info(spanCtx, "workflow run completed", tag.Run(r.id))
}

// invoke shields the run from a panicking workflow function.
func (r *Run) invoke(ctx context.Context, wc *Context) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v: %w", rec, core.ErrInternal)
		}
	}()
	return r.wf.fn(ctx, wc)
}

// AnswerGate delivers an answer to the pending gate. The run must be
// WAITING; anything else is a Validation error.
func (r *Run) AnswerGate(answer any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateWaiting {
		return fmt.Errorf("run %s is %s, not WAITING: %w", r.id, r.state, core.ErrInvalid)
	}
	select {
	case r.gateAnswer <- answer:
		return nil
	default:
		return fmt.Errorf("run %s gate answer already pending: %w", r.id, core.ErrInvalid)
	}
}

// resumeGate clears the pending gate and restores the run state.
// AnswerGate sends while holding mu and only in WAITING, so an answer
// that raced a timeout or cancellation is still buffered here; it is
// discarded so it cannot satisfy the next gate.
func (r *Run) resumeGate(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingGate = nil
	if !r.state.Terminal() {
		r.state = s
	}
	select {
	case <-r.gateAnswer:
	default:
	}
}

// Cancel trips the cancellation token. A pending gate resolves with
// Cancelled; terminal states win.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.cancel.Cancel()
}

// Wait blocks until the run reaches a terminal state and returns the
// result or the original failure.
func (r *Run) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runErr != nil {
		return nil, r.runErr
	}
	return r.result, nil
}

// Snapshot is the wire-friendly view of a run.
type Snapshot struct {
	RunID       string  `json:"run_id"`
	WorkflowID  string  `json:"workflow_id"`
	State       State   `json:"state"`
	Result      any     `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
	PendingGate *Gate   `json:"pending_gate,omitempty"`
	Events      []Event `json:"events"`
}

// Snapshot returns the current view of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		RunID:      r.id,
		WorkflowID: r.wf.id,
		State:      r.state,
		Result:     r.result,
		Error:      r.errMsg,
		Events:     make([]Event, len(r.events)),
	}
	copy(snap.Events, r.events)
	if r.pendingGate != nil {
		g := *r.pendingGate
		snap.PendingGate = &g
	}
	return snap
}

func (r *Run) appendEvent(kind string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: kind, Data: data, TS: time.Now().UTC()})
}
