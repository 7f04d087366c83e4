package core

import (
	"sync"
	"time"
)

// StepTrace records one executed step for offline inspection.
type StepTrace struct {
	StepID     string         `json:"step_id"`
	NodeID     string         `json:"node_id"`
	NodeType   NodeType       `json:"node_type"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
	Tokens     int64          `json:"tokens,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// TraceStatus is the overall outcome recorded on an ExecutionTrace.
type TraceStatus string

const (
	TraceStatusRunning  TraceStatus = "running"
	TraceStatusSuccess  TraceStatus = "success"
	TraceStatusFailed   TraceStatus = "failed"
	TraceStatusCanceled TraceStatus = "canceled"
)

// ExecutionTrace aggregates step traces for one graph execution. Opt-in:
// the scheduler records into it only when the context carries one.
type ExecutionTrace struct {
	mu      sync.Mutex
	GraphID string
	status  TraceStatus
	steps   []StepTrace
}

// NewTrace returns an empty trace for the given graph.
func NewTrace(graphID string) *ExecutionTrace {
	return &ExecutionTrace{GraphID: graphID, status: TraceStatusRunning}
}

// Append records one step trace.
func (t *ExecutionTrace) Append(st StepTrace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, st)
}

// SetStatus records the overall outcome.
func (t *ExecutionTrace) SetStatus(s TraceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Status returns the overall outcome.
func (t *ExecutionTrace) Status() TraceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Steps returns a copy of the recorded step traces in append order.
func (t *ExecutionTrace) Steps() []StepTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StepTrace, len(t.steps))
	copy(out, t.steps)
	return out
}

// Summary is the wire-friendly rendering of a trace.
type Summary struct {
	GraphID    string      `json:"graph_id"`
	Status     TraceStatus `json:"status"`
	Steps      []StepTrace `json:"steps"`
	TotalSteps int         `json:"total_steps"`
	TotalMS    int64       `json:"total_ms"`
	Tokens     int64       `json:"tokens"`
}

// Summarize computes totals across the recorded steps.
func (t *ExecutionTrace) Summarize() Summary {
	steps := t.Steps()
	s := Summary{
		GraphID:    t.GraphID,
		Status:     t.Status(),
		Steps:      steps,
		TotalSteps: len(steps),
	}
	for _, st := range steps {
		s.TotalMS += st.DurationMS
		s.Tokens += st.Tokens
	}
	return s
}
