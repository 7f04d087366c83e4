package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/nervehq/nerve/core"
)

// StepEventKind tags a streaming step event.
type StepEventKind string

const (
	StepStart    StepEventKind = "step_start"
	StepChunk    StepEventKind = "step_chunk"
	StepComplete StepEventKind = "step_complete"
	StepError    StepEventKind = "step_error"
)

// StepEvent is one event of a streaming graph execution. Per step the
// sub-sequence is step_start, step_chunk*, then step_complete or
// step_error.
type StepEvent struct {
	Kind   StepEventKind `json:"kind"`
	StepID string        `json:"step_id"`
	NodeID string        `json:"node_id"`
	Chunk  string        `json:"chunk,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// RunStream executes like Run but streams terminal-node output through
// emit. Consumers recover results from step_complete payloads; the
// returned map is the same data for in-process callers.
func (g *Graph) RunStream(ctx context.Context, ec *core.ExecutionContext, emit func(StepEvent)) (map[string]any, error) {
	if errs := g.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrInvalid, strings.Join(errs, "; "))
	}
	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	results := make(map[string]any, len(order))
	for _, stepID := range order {
		g.mu.Lock()
		step := g.steps[stepID]
		g.mu.Unlock()

		nodeID := step.NodeRef
		if step.Node != nil {
			nodeID = step.Node.ID()
		}
		emit(StepEvent{Kind: StepStart, StepID: stepID, NodeID: nodeID})

		onChunk := func(chunk string) error {
			if err := ec.CheckCancelled(ctx); err != nil {
				return err
			}
			emit(StepEvent{Kind: StepChunk, StepID: stepID, NodeID: nodeID, Chunk: chunk})
			return nil
		}

		out, err := g.runStep(ctx, ec, step, results, onChunk)
		if err != nil {
			emit(StepEvent{Kind: StepError, StepID: stepID, NodeID: nodeID, Error: err.Error()})
			if ec.Trace != nil {
				ec.Trace.SetStatus(traceStatusFor(err))
			}
			return results, err
		}
		results[stepID] = out
		emit(StepEvent{Kind: StepComplete, StepID: stepID, NodeID: nodeID, Result: out})
	}
	if ec.Trace != nil {
		ec.Trace.SetStatus(core.TraceStatusSuccess)
	}
	return results, nil
}
