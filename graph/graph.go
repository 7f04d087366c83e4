// Package graph schedules dependency graphs of steps over nodes. A
// Graph is itself a node, so graphs nest arbitrarily; a nested graph's
// result appears as a nested map at that step's key.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/internal/telemetry"
)

// InputFn derives a step's input from upstream results. It must be
// pure.
type InputFn func(upstream map[string]any) (any, error)

// Step is one vertex of a graph.
type Step struct {
	// ID is unique within the graph.
	ID string
	// Node is the direct node reference; when nil, NodeRef is resolved
	// through the session at execution time.
	Node    core.Node
	NodeRef string
	// Input is the static input; mutually exclusive with InputFn.
	Input   any
	InputFn InputFn
	// DependsOn lists step ids that must complete first.
	DependsOn []string
	// Policy governs retries and failure handling; nil fails fast.
	Policy *ErrorPolicy
	// Parser overrides the node's default parser for this step.
	Parser string
	// Budget installs a step-level sub-budget.
	Budget *core.Budget
}

// Graph is an acyclic set of steps executed in topological order.
type Graph struct {
	id string

	mu    sync.Mutex
	steps map[string]*Step
	order []string // insertion order, the topo-sort tie breaker
	dups  []string // ids registered more than once, reported by Validate
}

var _ core.Node = (*Graph)(nil)

// New returns an empty graph.
func New(id string) *Graph {
	return &Graph{id: id, steps: make(map[string]*Step)}
}

// ID implements core.Node.
func (g *Graph) ID() string { return g.id }

// Type implements core.Node.
func (g *Graph) Type() core.NodeType { return core.NodeTypeGraph }

// Persistent implements core.Node. Graphs are always ephemeral.
func (g *Graph) Persistent() bool { return false }

// AddStep registers a step. Structural problems are reported by
// Validate, not here, so specs can be assembled incrementally.
func (g *Graph) AddStep(s *Step) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.steps[s.ID]; dup {
		g.dups = append(g.dups, s.ID)
	} else {
		g.order = append(g.order, s.ID)
	}
	g.steps[s.ID] = s
}

// Steps returns the steps in insertion order.
func (g *Graph) Steps() []*Step {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.steps)
}

// Validate returns human-readable structural errors: blank or duplicate
// step ids, self-dependencies, input/input_fn both set, unknown
// dependencies, and (only when those pass) a cycle.
func (g *Graph) Validate() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []string
	for _, id := range g.dups {
		errs = append(errs, fmt.Sprintf("duplicate step id %q", id))
	}
	for _, id := range g.order {
		s := g.steps[id]
		if strings.TrimSpace(s.ID) == "" {
			errs = append(errs, "step id is empty")
			continue
		}
		if s.Input != nil && s.InputFn != nil {
			errs = append(errs, fmt.Sprintf("step %q sets both input and input_fn", s.ID))
		}
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, fmt.Sprintf("step %q depends on itself", s.ID))
				continue
			}
			if _, ok := g.steps[dep]; !ok {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	if _, err := g.topoOrder(); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

// ExecutionOrder returns the deterministic topological order: ready
// steps are picked in insertion order.
func (g *Graph) ExecutionOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topoOrder()
}

func (g *Graph) topoOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.steps))
	for _, id := range g.order {
		indeg[id] = len(g.steps[id].DependsOn)
	}
	var sorted []string
	done := make(map[string]bool)
	for len(sorted) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if done[id] || indeg[id] != 0 {
				continue
			}
			done[id] = true
			sorted = append(sorted, id)
			progressed = true
			for _, other := range g.order {
				for _, dep := range g.steps[other].DependsOn {
					if dep == id {
						indeg[other]--
					}
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("graph %s contains a dependency cycle", g.id)
		}
	}
	return sorted, nil
}

// Execute implements core.Node.
func (g *Graph) Execute(ctx context.Context, ec *core.ExecutionContext) (any, error) {
	return g.Run(ctx, ec)
}

// Run executes the steps sequentially in topological order. The
// returned map holds the results recorded before any failure.
func (g *Graph) Run(ctx context.Context, ec *core.ExecutionContext) (map[string]any, error) {
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

		out, err := g.runStep(ctx, ec, step, results, nil)
		if err != nil {
			if ec.Trace != nil {
				ec.Trace.SetStatus(traceStatusFor(err))
			}
			return results, err
		}
		results[stepID] = out
	}
	if ec.Trace != nil {
		ec.Trace.SetStatus(core.TraceStatusSuccess)
	}
	return results, nil
}

// runStep performs the per-step bookkeeping shared by Run and
// RunStream: cancellation and budget checks, node and input resolution,
// policy execution, usage increments, and tracing. onChunk is non-nil
// in streaming mode.
func (g *Graph) runStep(ctx context.Context, ec *core.ExecutionContext, step *Step, results map[string]any, onChunk func(chunk string) error) (any, error) {
	if err := ec.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	if err := ec.CheckBudget(); err != nil {
		return nil, err
	}

	n, err := g.resolveNode(ec, step)
	if err != nil {
		return nil, err
	}
	input, err := resolveInput(step, results)
	if err != nil {
		return nil, fmt.Errorf("step %s input_fn: %w", step.ID, err)
	}

	stepCtx := ec.WithInput(input).WithUpstream(results)
	if stepCtx.Parser == "" {
		stepCtx.Parser = step.Parser
	}
	if step.Budget != nil {
		stepCtx = stepCtx.WithSubBudget(step.Budget)
	}

	spanCtx, span := telemetry.StartSpan(ctx, "graph.step",
		attribute.String("graph.id", g.id),
		attribute.String("step.id", step.ID),
		attribute.String("node.id", n.ID()))

	started := time.Now()
	logger.Debug(spanCtx, "step started", tag.Graph(g.id), tag.Step(step.ID), tag.Node(n.ID()))

	out, err := runWithPolicy(spanCtx, stepCtx, step.Policy, n, onChunk)
	telemetry.EndSpan(span, err)

	ended := time.Now()
	if ec.Trace != nil {
		st := core.StepTrace{
			StepID:     step.ID,
			NodeID:     n.ID(),
			NodeType:   n.Type(),
			Input:      input,
			StartedAt:  started,
			EndedAt:    ended,
			DurationMS: ended.Sub(started).Milliseconds(),
		}
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Output = out
		}
		ec.Trace.Append(st)
	}
	if err != nil {
		logger.Error(spanCtx, "step failed", tag.Graph(g.id), tag.Step(step.ID), tag.Error(err))
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	ec.Usage.AddSteps(1)
	logger.Debug(spanCtx, "step completed", tag.Graph(g.id), tag.Step(step.ID),
		tag.Duration(ended.Sub(started)))
	return out, nil
}

// resolveNode returns the step's node: the direct reference, else a
// session lookup of node_ref.
func (g *Graph) resolveNode(ec *core.ExecutionContext, step *Step) (core.Node, error) {
	if step.Node != nil {
		return step.Node, nil
	}
	if step.NodeRef == "" {
		return nil, fmt.Errorf("step %s has no node: %w", step.ID, core.ErrInvalid)
	}
	if ec.Session == nil {
		return nil, fmt.Errorf("step %s: no session to resolve node %q: %w", step.ID, step.NodeRef, core.ErrNotFound)
	}
	n, err := ec.Session.GetNode(step.NodeRef)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	return n, nil
}

func resolveInput(step *Step, results map[string]any) (any, error) {
	if step.InputFn != nil {
		return step.InputFn(results)
	}
	return step.Input, nil
}

func traceStatusFor(err error) core.TraceStatus {
	if core.KindOf(err) == core.KindCanceled {
		return core.TraceStatusCanceled
	}
	return core.TraceStatusFailed
}
