// Package engine exposes the runtime as a command/event surface: a
// transport-agnostic Handle(command) → response entry point plus a
// single injected event sink. The engine performs no framing, no
// networking, and no logging configuration.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/internal/dirlock"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/session"
	"github.com/nervehq/nerve/workflow"
)

// DefaultSessionID is the session used when a command carries no
// session_id. It exists from engine start and cannot be deleted.
const DefaultSessionID = "default"

const (
	graphRunCacheSize = 256
	graphRunCacheTTL  = 30 * time.Minute
)

// Config carries engine construction parameters.
type Config struct {
	// ServerName namespaces history files; defaults to "nerve".
	ServerName string
	// HistoryDir is the history base directory; defaults to
	// history.DefaultBaseDir.
	HistoryDir string
	// HistoryEnabled turns per-node JSONL history on.
	HistoryEnabled bool
	// NodeDefaults fill per-node options left zero at CREATE_NODE.
	NodeDefaults session.NodeDefaults
	// Sink receives all engine events; nil discards them.
	Sink EventSink
}

// Engine owns the session registry and dispatches commands. Handlers
// convert every error, and every panic, into a failure response plus an
// ERROR event; the engine never crashes on a command.
type Engine struct {
	cfg  Config
	sink EventSink
	lock dirlock.Lock

	mu       sync.RWMutex
	sessions map[string]*session.Session
	shutdown bool

	graphRuns *expirable.LRU[string, *graphRun]

	started       time.Time
	commandsTotal atomic.Int64
	eventsTotal   atomic.Int64
}

// New builds an engine with a running default session. When history is
// enabled the server's history directory is created and advisory-locked
// so two engines cannot interleave one server namespace.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.ServerName == "" {
		cfg.ServerName = "nerve"
	}
	if cfg.HistoryDir == "" {
		cfg.HistoryDir = history.DefaultBaseDir
	}
	sink := cfg.Sink
	if sink == nil {
		sink = discardSink{}
	}

	e := &Engine{
		cfg:       cfg,
		sink:      sink,
		sessions:  make(map[string]*session.Session),
		graphRuns: expirable.NewLRU[string, *graphRun](graphRunCacheSize, nil, graphRunCacheTTL),
		started:   time.Now(),
	}

	if cfg.HistoryEnabled {
		serverDir := filepath.Join(cfg.HistoryDir, cfg.ServerName)
		lock := dirlock.New(serverDir, nil)
		if err := lock.TryLock(); err != nil {
			return nil, fmt.Errorf("history dir %s: %w", serverDir, err)
		}
		e.lock = lock
	}

	e.sessions[DefaultSessionID] = session.New(session.Config{
		ID:             DefaultSessionID,
		ServerName:     cfg.ServerName,
		HistoryDir:     cfg.HistoryDir,
		HistoryEnabled: cfg.HistoryEnabled,
		NodeDefaults:   cfg.NodeDefaults,
	})
	logger.Info(ctx, "engine started", tag.ID(cfg.ServerName), tag.Dir(cfg.HistoryDir))
	return e, nil
}

// Handle dispatches one command and always returns a response. Failures
// additionally emit an ERROR event.
func (e *Engine) Handle(ctx context.Context, cmd Command) (resp Response) {
	e.commandsTotal.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("command panicked: %v: %w", rec, core.ErrInternal)
			logger.Error(ctx, "command handler panicked", tag.Command(string(cmd.Kind)), tag.Error(err))
			resp = e.failure(cmd, err)
		}
	}()

	// PING still answers and SHUTDOWN stays idempotent after shutdown.
	if e.isShutdown() && cmd.Kind != Ping && cmd.Kind != Shutdown {
		return e.failure(cmd, fmt.Errorf("engine is shut down: %w", core.ErrClosed))
	}

	data, err := e.dispatch(ctx, cmd)
	if err != nil {
		logger.Warn(ctx, "command failed", tag.Command(string(cmd.Kind)), tag.Error(err))
		return e.failure(cmd, err)
	}
	return ok(data)
}

func (e *Engine) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Kind {
	case Ping:
		return map[string]any{"pong": true, "uptime_ms": time.Since(e.started).Milliseconds()}, nil
	case Shutdown:
		return e.handleShutdown(ctx)
	case CreateSession:
		return e.handleCreateSession(ctx, cmd.Params)
	case DeleteSession:
		return e.handleDeleteSession(ctx, cmd.Params)
	case ListSessions:
		return e.handleListSessions()
	case GetSession:
		return e.handleGetSession(cmd.Params)
	case CreateNode:
		return e.handleCreateNode(ctx, cmd.Params)
	case StopNode:
		return e.handleStopNode(ctx, cmd.Params)
	case ListNodes:
		return e.handleListNodes(cmd.Params)
	case GetNode:
		return e.handleGetNode(cmd.Params)
	case ExecuteInput:
		return e.handleExecuteInput(ctx, cmd.Params)
	case RunCommand:
		return e.handleRunCommand(ctx, cmd.Params)
	case WriteData:
		return e.handleWriteData(ctx, cmd.Params)
	case SendInterrupt:
		return e.handleSendInterrupt(ctx, cmd.Params)
	case GetBuffer:
		return e.handleGetBuffer(cmd.Params)
	case GetHistory:
		return e.handleGetHistory(ctx, cmd.Params)
	case CreateGraph:
		return e.handleCreateGraph(ctx, cmd.Params)
	case DeleteGraph:
		return e.handleDeleteGraph(ctx, cmd.Params)
	case ListGraphs:
		return e.handleListGraphs(cmd.Params)
	case RunGraph:
		return e.handleRunGraph(ctx, cmd.Params)
	case CancelGraph:
		return e.handleCancelGraph(cmd.Params)
	case GetGraphRun:
		return e.handleGetGraphRun(cmd.Params)
	case ExecuteWorkflow:
		return e.handleExecuteWorkflow(ctx, cmd.Params)
	case ListWorkflows:
		return e.handleListWorkflows(cmd.Params)
	case GetWorkflowRun:
		return e.handleGetWorkflowRun(cmd.Params)
	case ListWorkflowRuns:
		return e.handleListWorkflowRuns(cmd.Params)
	case AnswerGate:
		return e.handleAnswerGate(cmd.Params)
	case CancelWorkflow:
		return e.handleCancelWorkflow(cmd.Params)
	default:
		return nil, fmt.Errorf("unknown command %q: %w", cmd.Kind, core.ErrInvalid)
	}
}

func (e *Engine) failure(cmd Command, err error) Response {
	e.emit(Event{
		Kind: EventError,
		Data: map[string]any{
			"command": string(cmd.Kind),
			"kind":    string(core.KindOf(err)),
			"message": err.Error(),
		},
	})
	return fail(err)
}

func (e *Engine) emit(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	e.eventsTotal.Add(1)
	e.sink.Publish(ev)
}

func (e *Engine) isShutdown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shutdown
}

// sessionParams selects a session; absent session_id means default.
type sessionParams struct {
	SessionID string `mapstructure:"session_id"`
}

func (e *Engine) resolveSession(params map[string]any) (*session.Session, error) {
	p, err := decode[sessionParams](params)
	if err != nil {
		return nil, err
	}
	id := p.SessionID
	if id == "" {
		id = DefaultSessionID
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, okSess := e.sessions[id]
	if !okSess {
		return nil, fmt.Errorf("session %q: %w", id, core.ErrNotFound)
	}
	return s, nil
}

type createSessionParams struct {
	SessionID   string   `mapstructure:"session_id"`
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Tags        []string `mapstructure:"tags"`
}

func (e *Engine) handleCreateSession(ctx context.Context, params map[string]any) (any, error) {
	p, err := decode[createSessionParams](params)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if p.SessionID != "" {
		if _, dup := e.sessions[p.SessionID]; dup {
			e.mu.Unlock()
			return nil, fmt.Errorf("session %q: %w", p.SessionID, core.ErrAlreadyExists)
		}
	}
	s := session.New(session.Config{
		ID:             p.SessionID,
		Name:           p.Name,
		Description:    p.Description,
		Tags:           p.Tags,
		ServerName:     e.cfg.ServerName,
		HistoryDir:     e.cfg.HistoryDir,
		HistoryEnabled: e.cfg.HistoryEnabled,
		NodeDefaults:   e.cfg.NodeDefaults,
	})
	e.sessions[s.ID()] = s
	e.mu.Unlock()

	logger.Info(ctx, "session created", tag.Session(s.ID()))
	e.emit(Event{Kind: EventSessionCreated, SessionID: s.ID()})
	return map[string]any{"session_id": s.ID()}, nil
}

func (e *Engine) handleDeleteSession(ctx context.Context, params map[string]any) (any, error) {
	p, err := decode[sessionParams](params)
	if err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.SessionID == DefaultSessionID {
		return nil, fmt.Errorf("default session cannot be deleted: %w", core.ErrInvalid)
	}
	e.mu.Lock()
	s, exists := e.sessions[p.SessionID]
	delete(e.sessions, p.SessionID)
	e.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("session %q: %w", p.SessionID, core.ErrNotFound)
	}
	s.Stop(ctx)
	e.emit(Event{Kind: EventSessionDeleted, SessionID: p.SessionID})
	return map[string]any{"deleted": true}, nil
}

// sessionData flattens a session's metadata into a wire payload.
func sessionData(info session.Info) map[string]any {
	data := map[string]any{
		"session_id": info.ID,
		"created_at": info.CreatedAt.Format(time.RFC3339Nano),
	}
	if info.Name != "" {
		data["name"] = info.Name
	}
	if info.Description != "" {
		data["description"] = info.Description
	}
	if len(info.Tags) > 0 {
		data["tags"] = info.Tags
	}
	return data
}

func (e *Engine) handleListSessions() (any, error) {
	e.mu.RLock()
	infos := make([]session.Info, 0, len(e.sessions))
	for _, s := range e.sessions {
		infos = append(infos, s.Info())
	}
	e.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	sessions := make([]map[string]any, len(infos))
	for i, info := range infos {
		sessions[i] = sessionData(info)
	}
	return map[string]any{"sessions": sessions}, nil
}

func (e *Engine) handleGetSession(params map[string]any) (any, error) {
	s, err := e.resolveSession(params)
	if err != nil {
		return nil, err
	}
	data := sessionData(s.Info())
	c := s.Counts()
	data["nodes"] = c.Nodes
	data["graphs"] = c.Graphs
	data["workflows"] = c.Workflows
	data["workflow_runs"] = c.Runs
	return data, nil
}

func (e *Engine) handleShutdown(ctx context.Context) (any, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return map[string]any{"ok": true}, nil
	}
	e.shutdown = true
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session.Session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.Stop(ctx)
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			logger.Warn(ctx, "history dir unlock failed", tag.Error(err))
		}
	}
	e.emit(Event{Kind: EventServerShutdown})
	logger.Info(ctx, "engine shut down", tag.ID(e.cfg.ServerName))
	return map[string]any{"ok": true}, nil
}

// Session returns a session by id for programmatic access (function
// node and workflow registration happen in-process, not over the
// wire). Empty id means the default session.
func (e *Engine) Session(id string) (*session.Session, error) {
	return e.resolveSession(map[string]any{"session_id": id})
}

// RegisterWorkflow binds a workflow function in the given session
// (empty means default). Workflow bodies are Go functions, so hosts
// register them programmatically rather than over the wire.
func (e *Engine) RegisterWorkflow(sessionID, id string, fn workflow.Fn) (*workflow.Workflow, error) {
	s, err := e.resolveSession(map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	return s.RegisterWorkflow(id, fn)
}

// Stats reports engine-level counters for the metrics collector.
type Stats struct {
	UptimeSeconds float64
	Sessions      int
	Nodes         int
	Graphs        int
	Workflows     int
	WorkflowRuns  int
	CommandsTotal int64
	EventsTotal   int64
}

// Stats returns a point-in-time snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	st := Stats{
		UptimeSeconds: time.Since(e.started).Seconds(),
		Sessions:      len(sessions),
		CommandsTotal: e.commandsTotal.Load(),
		EventsTotal:   e.eventsTotal.Load(),
	}
	for _, s := range sessions {
		c := s.Counts()
		st.Nodes += c.Nodes
		st.Graphs += c.Graphs
		st.Workflows += c.Workflows
		st.WorkflowRuns += c.Runs
	}
	return st
}
