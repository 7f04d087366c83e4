package engine

import (
	"context"
	"fmt"

	"github.com/nervehq/nerve/core"
)

type executeWorkflowParams struct {
	WorkflowID string         `mapstructure:"workflow_id"`
	Input      any            `mapstructure:"input"`
	Params     map[string]any `mapstructure:"params"`
}

func (e *Engine) handleExecuteWorkflow(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[executeWorkflowParams](params)
	if err != nil {
		return nil, err
	}
	if p.WorkflowID == "" {
		return nil, fmt.Errorf("workflow_id is required: %w", core.ErrInvalid)
	}
	// The run outlives the command; detach it from the command context.
	run, err := s.ExecuteWorkflow(context.WithoutCancel(ctx), p.WorkflowID, p.Input, p.Params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": run.ID(), "state": string(run.State())}, nil
}

func (e *Engine) handleListWorkflows(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflows": s.ListWorkflows()}, nil
}

type workflowRunParams struct {
	RunID string `mapstructure:"run_id"`
}

func (e *Engine) handleGetWorkflowRun(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[workflowRunParams](params)
	if err != nil {
		return nil, err
	}
	run, err := s.GetRun(p.RunID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot(), nil
}

func (e *Engine) handleListWorkflowRuns(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": s.ListRuns()}, nil
}

type answerGateParams struct {
	RunID  string `mapstructure:"run_id"`
	Answer any    `mapstructure:"answer"`
}

func (e *Engine) handleAnswerGate(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[answerGateParams](params)
	if err != nil {
		return nil, err
	}
	run, err := s.GetRun(p.RunID)
	if err != nil {
		return nil, err
	}
	if err := run.AnswerGate(p.Answer); err != nil {
		return nil, err
	}
	return map[string]any{"answered": true}, nil
}

func (e *Engine) handleCancelWorkflow(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[workflowRunParams](params)
	if err != nil {
		return nil, err
	}
	run, err := s.GetRun(p.RunID)
	if err != nil {
		return nil, err
	}
	run.Cancel()
	return map[string]any{"cancelled": true}, nil
}
