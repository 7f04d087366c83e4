package engine

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/nervehq/nerve/core"
)

// CommandKind names a command. The set is closed; unknown kinds fail
// with Validation.
type CommandKind string

const (
	Ping             CommandKind = "PING"
	Shutdown         CommandKind = "SHUTDOWN"
	CreateSession    CommandKind = "CREATE_SESSION"
	DeleteSession    CommandKind = "DELETE_SESSION"
	ListSessions     CommandKind = "LIST_SESSIONS"
	GetSession       CommandKind = "GET_SESSION"
	CreateNode       CommandKind = "CREATE_NODE"
	StopNode         CommandKind = "STOP_NODE"
	ListNodes        CommandKind = "LIST_NODES"
	GetNode          CommandKind = "GET_NODE"
	ExecuteInput     CommandKind = "EXECUTE_INPUT"
	RunCommand       CommandKind = "RUN_COMMAND"
	WriteData        CommandKind = "WRITE_DATA"
	SendInterrupt    CommandKind = "SEND_INTERRUPT"
	GetBuffer        CommandKind = "GET_BUFFER"
	GetHistory       CommandKind = "GET_HISTORY"
	CreateGraph      CommandKind = "CREATE_GRAPH"
	DeleteGraph      CommandKind = "DELETE_GRAPH"
	ListGraphs       CommandKind = "LIST_GRAPHS"
	RunGraph         CommandKind = "RUN_GRAPH"
	CancelGraph      CommandKind = "CANCEL_GRAPH"
	GetGraphRun      CommandKind = "GET_GRAPH_RUN"
	ExecuteWorkflow  CommandKind = "EXECUTE_WORKFLOW"
	ListWorkflows    CommandKind = "LIST_WORKFLOWS"
	GetWorkflowRun   CommandKind = "GET_WORKFLOW_RUN"
	ListWorkflowRuns CommandKind = "LIST_WORKFLOW_RUNS"
	AnswerGate       CommandKind = "ANSWER_GATE"
	CancelWorkflow   CommandKind = "CANCEL_WORKFLOW"
)

// Command is the transport-agnostic request envelope. Params are
// permissive: optional fields may be absent, unknown fields are
// ignored, missing required fields fail with Validation.
type Command struct {
	Kind   CommandKind    `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// ErrorInfo is the failure payload of a Response.
type ErrorInfo struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// Response is the reply to a command. Exactly one of Data and Error is
// populated.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: &ErrorInfo{
		Kind:    core.KindOf(err),
		Message: err.Error(),
	}}
}

// decode maps command params onto a typed param struct. Weak typing
// keeps the envelope permissive (ints arriving as floats, bools as
// strings).
func decode[T any](params map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, fmt.Errorf("%w: %v", core.ErrInternal, err)
	}
	if err := dec.Decode(params); err != nil {
		return out, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}
	return out, nil
}

// budgetParams is the wire shape of an execution budget.
type budgetParams struct {
	MaxTokens      int64   `mapstructure:"max_tokens"`
	MaxTimeMS      int64   `mapstructure:"max_time_ms"`
	MaxSteps       int64   `mapstructure:"max_steps"`
	MaxAPICalls    int64   `mapstructure:"max_api_calls"`
	MaxCostDollars float64 `mapstructure:"max_cost_dollars"`
}

func (b *budgetParams) toBudget() *core.Budget {
	if b == nil {
		return nil
	}
	return &core.Budget{
		MaxTokens:      b.MaxTokens,
		MaxTime:        time.Duration(b.MaxTimeMS) * time.Millisecond,
		MaxSteps:       b.MaxSteps,
		MaxAPICalls:    b.MaxAPICalls,
		MaxCostDollars: b.MaxCostDollars,
	}
}
