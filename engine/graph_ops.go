package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/graph"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/session"
)

type createGraphParams struct {
	GraphID string `mapstructure:"graph_id"`
	// Spec is an optional declarative YAML graph definition; absent
	// creates an empty graph to be populated programmatically.
	Spec string `mapstructure:"spec"`
}

func (e *Engine) handleCreateGraph(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[createGraphParams](params)
	if err != nil {
		return nil, err
	}
	if p.GraphID == "" {
		return nil, fmt.Errorf("graph_id is required: %w", core.ErrInvalid)
	}

	if p.Spec != "" {
		_, err = s.CreateGraphFromSpec(p.GraphID, []byte(p.Spec))
	} else {
		_, err = s.CreateGraph(p.GraphID)
	}
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "graph created", tag.Session(s.ID()), tag.Graph(p.GraphID))
	e.emit(Event{Kind: EventGraphCreated, SessionID: s.ID(), Data: map[string]any{"graph_id": p.GraphID}})
	return map[string]any{"graph_id": p.GraphID}, nil
}

type graphParams struct {
	GraphID string `mapstructure:"graph_id"`
}

func (e *Engine) handleDeleteGraph(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[graphParams](params)
	if err != nil {
		return nil, err
	}
	if !s.DeleteGraph(p.GraphID) {
		return nil, fmt.Errorf("graph %q: %w", p.GraphID, core.ErrNotFound)
	}
	e.emit(Event{Kind: EventGraphDeleted, SessionID: s.ID(), Data: map[string]any{"graph_id": p.GraphID}})
	return map[string]any{"deleted": true}, nil
}

func (e *Engine) handleListGraphs(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"graphs": s.ListGraphs()}, nil
}

type runGraphParams struct {
	GraphID string        `mapstructure:"graph_id"`
	Input   any           `mapstructure:"input"`
	Budget  *budgetParams `mapstructure:"budget"`
	// Trace returns an execution trace summary with the results.
	Trace bool `mapstructure:"trace"`
	// Detach runs the graph asynchronously and returns a run token.
	Detach bool `mapstructure:"detach"`
}

// graphRunStatus is the lifecycle of an asynchronous graph run.
type graphRunStatus string

const (
	graphRunRunning   graphRunStatus = "running"
	graphRunCompleted graphRunStatus = "completed"
	graphRunFailed    graphRunStatus = "failed"
	graphRunCancelled graphRunStatus = "cancelled"
)

// graphRun tracks one RUN_GRAPH invocation by opaque token. Completed
// records stay in an expirable LRU for GET_GRAPH_RUN polling.
type graphRun struct {
	token     string
	graphID   string
	sessionID string
	cancel    *core.CancellationToken

	mu      sync.Mutex
	status  graphRunStatus
	results map[string]any
	errMsg  string
}

func (r *graphRun) finish(results map[string]any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = results
	switch {
	case err == nil:
		r.status = graphRunCompleted
	case core.KindOf(err) == core.KindCanceled:
		r.status = graphRunCancelled
		r.errMsg = err.Error()
	default:
		r.status = graphRunFailed
		r.errMsg = err.Error()
	}
}

func (r *graphRun) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := map[string]any{
		"run_token": r.token,
		"graph_id":  r.graphID,
		"status":    string(r.status),
	}
	if r.results != nil {
		data["results"] = r.results
	}
	if r.errMsg != "" {
		data["error"] = r.errMsg
	}
	return data
}

func (e *Engine) handleRunGraph(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[runGraphParams](params)
	if err != nil {
		return nil, err
	}
	g, err := s.GetGraph(p.GraphID)
	if err != nil {
		return nil, err
	}

	var opts []core.ContextOption
	if p.Budget != nil {
		opts = append(opts, core.WithBudget(p.Budget.toBudget()))
	}
	var trace *core.ExecutionTrace
	if p.Trace {
		trace = core.NewTrace(p.GraphID)
		opts = append(opts, core.WithTrace(trace))
	}
	ec := core.NewExecutionContext(s, p.Input, opts...)

	if !p.Detach {
		results, err := e.runGraph(ctx, s, g, ec)
		if err != nil {
			return nil, err
		}
		data := map[string]any{"results": results}
		if trace != nil {
			data["trace"] = trace.Summarize()
		}
		return data, nil
	}

	run := &graphRun{
		token:     uuid.NewString(),
		graphID:   p.GraphID,
		sessionID: s.ID(),
		cancel:    ec.Cancel,
		status:    graphRunRunning,
	}
	e.graphRuns.Add(run.token, run)
	go func() {
		// Detached runs outlive the command's context.
		results, err := e.runGraph(context.WithoutCancel(ctx), s, g, ec)
		run.finish(results, err)
	}()
	return map[string]any{"run_token": run.token}, nil
}

// runGraph executes a graph, translating step events into engine
// events.
func (e *Engine) runGraph(ctx context.Context, s *session.Session, g *graph.Graph, ec *core.ExecutionContext) (map[string]any, error) {
	e.emit(Event{Kind: EventGraphStarted, SessionID: s.ID(), Data: map[string]any{"graph_id": g.ID()}})

	results, err := g.RunStream(ctx, ec, func(ev graph.StepEvent) {
		data := map[string]any{"graph_id": g.ID(), "step_id": ev.StepID, "node_id": ev.NodeID}
		var kind EventKind
		switch ev.Kind {
		case graph.StepStart:
			kind = EventStepStarted
		case graph.StepChunk:
			kind = EventOutputChunk
			data["chunk"] = ev.Chunk
		case graph.StepComplete:
			kind = EventStepCompleted
			data["result"] = ev.Result
		case graph.StepError:
			kind = EventStepFailed
			data["error"] = ev.Error
		default:
			return
		}
		e.emit(Event{Kind: kind, SessionID: s.ID(), Data: data})
	})
	if err != nil {
		logger.Warn(ctx, "graph run failed", tag.Graph(g.ID()), tag.Error(err))
		e.emit(Event{Kind: EventGraphCompleted, SessionID: s.ID(), Data: map[string]any{
			"graph_id": g.ID(),
			"status":   "failed",
			"error":    err.Error(),
		}})
		return results, err
	}

	e.emit(Event{Kind: EventGraphCompleted, SessionID: s.ID(), Data: map[string]any{
		"graph_id": g.ID(),
		"status":   "success",
		"results":  results,
	}})
	return results, nil
}

type graphRunParams struct {
	RunToken string `mapstructure:"run_token"`
}

func (e *Engine) lookupGraphRun(params map[string]any) (*graphRun, error) {
	p, err := decode[graphRunParams](params)
	if err != nil {
		return nil, err
	}
	run, found := e.graphRuns.Get(p.RunToken)
	if !found {
		return nil, fmt.Errorf("graph run %q: %w", p.RunToken, core.ErrNotFound)
	}
	return run, nil
}

func (e *Engine) handleCancelGraph(params map[string]any) (any, error) {
	run, err := e.lookupGraphRun(params)
	if err != nil {
		return nil, err
	}
	run.cancel.Cancel()
	return map[string]any{"cancelled": true}, nil
}

func (e *Engine) handleGetGraphRun(params map[string]any) (any, error) {
	run, err := e.lookupGraphRun(params)
	if err != nil {
		return nil, err
	}
	return run.snapshot(), nil
}
