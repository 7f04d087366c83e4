package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/node"
	"github.com/nervehq/nerve/session"
)

type createNodeParams struct {
	SessionID         string   `mapstructure:"session_id"`
	NodeID            string   `mapstructure:"node_id"`
	Command           string   `mapstructure:"command"`
	Backend           string   `mapstructure:"backend"`
	CWD               string   `mapstructure:"cwd"`
	Env               []string `mapstructure:"env"`
	PaneID            string   `mapstructure:"pane_id"`
	History           *bool    `mapstructure:"history"`
	ReadyTimeoutMS    int64    `mapstructure:"ready_timeout_ms"`
	ResponseTimeoutMS int64    `mapstructure:"response_timeout_ms"`
	DefaultParser     string   `mapstructure:"default_parser"`
}

func (e *Engine) handleCreateNode(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[createNodeParams](params)
	if err != nil {
		return nil, err
	}

	n, err := s.CreateNode(ctx, session.NodeOptions{
		ID:              p.NodeID,
		Command:         p.Command,
		Backend:         p.Backend,
		CWD:             p.CWD,
		Env:             p.Env,
		PaneID:          p.PaneID,
		History:         p.History,
		ReadyTimeout:    time.Duration(p.ReadyTimeoutMS) * time.Millisecond,
		ResponseTimeout: time.Duration(p.ResponseTimeoutMS) * time.Millisecond,
		DefaultParser:   p.DefaultParser,
	})
	if err != nil {
		return nil, err
	}

	e.monitorNode(s.ID(), n)
	e.emit(Event{Kind: EventNodeCreated, SessionID: s.ID(), Data: map[string]any{"node_id": n.ID()}})
	return map[string]any{"node_id": n.ID(), "state": n.State().String()}, nil
}

// monitorNode forwards node state transitions to the event sink.
func (e *Engine) monitorNode(sessionID string, n node.Terminal) {
	n.OnStateChange(func(nodeID string, st node.State) {
		var kind EventKind
		switch st {
		case node.StateReady:
			kind = EventNodeReady
		case node.StateBusy:
			kind = EventNodeBusy
		case node.StateStopped:
			kind = EventNodeStopped
		default:
			return
		}
		e.emit(Event{Kind: kind, SessionID: sessionID, Data: map[string]any{"node_id": nodeID}})
	})
}

type nodeParams struct {
	NodeID string `mapstructure:"node_id"`
}

// resolveTerminal looks up a node and requires the terminal capability
// set (raw I/O, buffer access, lifecycle).
func (e *Engine) resolveTerminal(params map[string]any) (node.Terminal, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[nodeParams](params)
	if err != nil {
		return nil, err
	}
	n, err := s.GetNode(p.NodeID)
	if err != nil {
		return nil, err
	}
	t, isTerminal := n.(node.Terminal)
	if !isTerminal {
		return nil, fmt.Errorf("node %q is not a terminal node: %w", p.NodeID, core.ErrInvalid)
	}
	return t, nil
}

func (e *Engine) handleStopNode(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[nodeParams](params)
	if err != nil {
		return nil, err
	}
	if !s.DeleteNode(ctx, p.NodeID) {
		return nil, fmt.Errorf("node %q: %w", p.NodeID, core.ErrNotFound)
	}
	return map[string]any{"stopped": true}, nil
}

func (e *Engine) handleListNodes(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodes": s.ListNodes()}, nil
}

func (e *Engine) handleGetNode(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[nodeParams](params)
	if err != nil {
		return nil, err
	}
	n, err := s.GetNode(p.NodeID)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"node_id": n.ID(),
		"type":    string(n.Type()),
	}
	if t, isTerminal := n.(node.Terminal); isTerminal {
		data["state"] = t.State().String()
		data["history_path"] = t.HistoryPath()
		if st := t.Stats(); st != nil {
			data["stats"] = map[string]any{
				"pid":         st.PID,
				"cpu_percent": st.CPUPercent,
				"rss_bytes":   st.RSSBytes,
			}
		}
	}
	return data, nil
}

type executeInputParams struct {
	NodeID    string        `mapstructure:"node_id"`
	Input     any           `mapstructure:"input"`
	TimeoutMS *int64        `mapstructure:"timeout_ms"`
	Parser    string        `mapstructure:"parser"`
	Stream    bool          `mapstructure:"stream"`
	Budget    *budgetParams `mapstructure:"budget"`
}

func (e *Engine) handleExecuteInput(ctx context.Context, params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[executeInputParams](params)
	if err != nil {
		return nil, err
	}
	n, err := s.GetNode(p.NodeID)
	if err != nil {
		return nil, err
	}

	var opts []core.ContextOption
	if p.Parser != "" {
		opts = append(opts, core.WithParser(p.Parser))
	}
	if p.TimeoutMS != nil {
		opts = append(opts, core.WithTimeout(time.Duration(*p.TimeoutMS)*time.Millisecond))
	}
	if p.Budget != nil {
		opts = append(opts, core.WithBudget(p.Budget.toBudget()))
	}
	ec := core.NewExecutionContext(s, p.Input, opts...)

	var result any
	if p.Stream {
		t, isTerminal := n.(node.Terminal)
		if !isTerminal {
			return nil, fmt.Errorf("node %q does not stream: %w", p.NodeID, core.ErrInvalid)
		}
		result, err = t.ExecuteStream(ctx, ec, func(chunk string) error {
			e.emit(Event{Kind: EventOutputChunk, SessionID: s.ID(), Data: map[string]any{
				"node_id": p.NodeID,
				"chunk":   chunk,
			}})
			return nil
		})
	} else {
		result, err = n.Execute(ctx, ec)
	}
	if err != nil {
		return nil, err
	}

	e.emit(Event{Kind: EventOutputParsed, SessionID: s.ID(), Data: map[string]any{
		"node_id": p.NodeID,
		"result":  result,
	}})
	return map[string]any{"result": result}, nil
}

type runCommandParams struct {
	NodeID  string `mapstructure:"node_id"`
	Command string `mapstructure:"command"`
}

func (e *Engine) handleRunCommand(ctx context.Context, params map[string]any) (any, error) {
	t, err := e.resolveTerminal(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[runCommandParams](params)
	if err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("command is required: %w", core.ErrInvalid)
	}
	if err := t.Run(ctx, p.Command); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type writeDataParams struct {
	NodeID string `mapstructure:"node_id"`
	Data   string `mapstructure:"data"`
}

func (e *Engine) handleWriteData(ctx context.Context, params map[string]any) (any, error) {
	t, err := e.resolveTerminal(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[writeDataParams](params)
	if err != nil {
		return nil, err
	}
	if err := t.Write(ctx, []byte(p.Data)); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (e *Engine) handleSendInterrupt(ctx context.Context, params map[string]any) (any, error) {
	t, err := e.resolveTerminal(params)
	if err != nil {
		return nil, err
	}
	if err := t.Interrupt(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type getBufferParams struct {
	NodeID string `mapstructure:"node_id"`
	Lines  int    `mapstructure:"lines"`
}

func (e *Engine) handleGetBuffer(params map[string]any) (any, error) {
	t, err := e.resolveTerminal(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[getBufferParams](params)
	if err != nil {
		return nil, err
	}
	buf := t.Buffer()
	if p.Lines > 0 {
		buf = t.ReadTail(p.Lines)
	}
	return map[string]any{"buffer": buf}, nil
}

type getHistoryParams struct {
	NodeID     string `mapstructure:"node_id"`
	Last       int    `mapstructure:"last"`
	Op         string `mapstructure:"op"`
	InputsOnly bool   `mapstructure:"inputs_only"`
}

func (e *Engine) handleGetHistory(ctx context.Context, params map[string]any) (any, error) {
	t, err := e.resolveTerminal(params)
	if err != nil {
		return nil, err
	}
	p, err := decode[getHistoryParams](params)
	if err != nil {
		return nil, err
	}
	path := t.HistoryPath()
	if path == "" {
		return nil, fmt.Errorf("node %q has no history: %w", p.NodeID, core.ErrHistory)
	}

	r := history.NewReader(path)
	var entries []history.Entry
	switch {
	case p.InputsOnly:
		entries, err = r.GetInputsOnly(ctx)
	case p.Op != "":
		entries, err = r.GetByOp(ctx, history.Op(p.Op))
	case p.Last > 0:
		entries, err = r.GetLast(ctx, p.Last)
	default:
		entries, err = r.GetAll(ctx)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}
