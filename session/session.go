// Package session is the in-memory container and factory for nodes,
// graphs, workflows, and workflow runs. Every object belongs to exactly
// one session; deleting the session tears all of them down.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nervehq/nerve/backend"
	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/graph"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/node"
	"github.com/nervehq/nerve/parser"
	"github.com/nervehq/nerve/workflow"
)

// Config carries session construction parameters.
type Config struct {
	// ID is the session id; empty generates one.
	ID string
	// Name is an optional human-readable label.
	Name string
	// Description is optional free text.
	Description string
	// Tags are optional labels for filtering listings.
	Tags []string
	// ServerName namespaces history files under HistoryDir.
	ServerName string
	// HistoryDir is the history base directory.
	HistoryDir string
	// HistoryEnabled is the session-wide default; per-node options can
	// still opt out.
	HistoryEnabled bool
	// NodeDefaults fill NodeOptions fields left zero.
	NodeDefaults NodeDefaults
}

// NodeDefaults are session-wide fallbacks for per-node options.
type NodeDefaults struct {
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
	Parser          string
}

// Session owns a registry of nodes, graphs, workflows, and runs.
// Readers never observe partially constructed entries: registration
// happens after a node is fully started.
type Session struct {
	id             string
	name           string
	description    string
	tags           []string
	createdAt      time.Time
	serverName     string
	historyDir     string
	historyEnabled bool
	nodeDefaults   NodeDefaults

	mu        sync.RWMutex
	nodes     map[string]core.Node
	graphs    map[string]*graph.Graph
	workflows map[string]*workflow.Workflow
	runs      map[string]*workflow.Run
	stopped   bool
}

var _ core.Session = (*Session)(nil)

// New returns an empty session.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.HistoryDir == "" {
		cfg.HistoryDir = history.DefaultBaseDir
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "default"
	}
	return &Session{
		id:             cfg.ID,
		name:           cfg.Name,
		description:    cfg.Description,
		tags:           cfg.Tags,
		createdAt:      time.Now().UTC(),
		serverName:     cfg.ServerName,
		historyDir:     cfg.HistoryDir,
		historyEnabled: cfg.HistoryEnabled,
		nodeDefaults:   cfg.NodeDefaults,
		nodes:          make(map[string]core.Node),
		graphs:         make(map[string]*graph.Graph),
		workflows:      make(map[string]*workflow.Workflow),
		runs:           make(map[string]*workflow.Run),
	}
}

// ID implements core.Session.
func (s *Session) ID() string { return s.id }

// Info is the descriptive metadata of a session.
type Info struct {
	ID          string    `json:"session_id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Info returns the session's metadata. The returned tags are a copy.
func (s *Session) Info() Info {
	tags := make([]string, len(s.tags))
	copy(tags, s.tags)
	return Info{
		ID:          s.id,
		Name:        s.name,
		Description: s.description,
		Tags:        tags,
		CreatedAt:   s.createdAt,
	}
}

// NodeOptions carries per-node creation parameters.
type NodeOptions struct {
	ID string
	// Command is the subprocess command line. Required for pty and cli
	// backends.
	Command string
	// Backend selects the subprocess attachment: pty (default), pane,
	// or cli.
	Backend string
	CWD     string
	Env     []string
	// PaneID names the tmux pane for the pane backend.
	PaneID string
	// History overrides the session default when non-nil.
	History         *bool
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
	// DefaultParser is the parser kind used when no override applies.
	// Empty means raw.
	DefaultParser string
}

// BackendCLI is the wrapped-CLI backend selector; pty and pane map onto
// backend kinds directly.
const BackendCLI = "cli"

// CreateNode builds, starts, and registers a terminal node. The
// returned node is READY. History writer creation failures log a
// warning and the node proceeds without history.
func (s *Session) CreateNode(ctx context.Context, opts NodeOptions) (node.Terminal, error) {
	opts = s.applyDefaults(opts)
	if err := fileutil.ValidateSafeName(opts.ID); err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	if err := s.reserve(opts.ID); err != nil {
		return nil, err
	}

	defParser := parserKind(opts.DefaultParser)
	if _, err := parser.New(defParser); err != nil {
		s.release(opts.ID)
		return nil, err
	}

	hist := s.openHistory(ctx, opts)
	n, err := s.buildNode(opts, hist, defParser)
	if err != nil {
		s.release(opts.ID)
		if hist != nil {
			hist.Close()
		}
		return nil, err
	}

	if err := n.Start(ctx); err != nil {
		s.release(opts.ID)
		if hist != nil {
			hist.Close()
		}
		return nil, err
	}

	s.mu.Lock()
	s.nodes[opts.ID] = n
	s.mu.Unlock()
	logger.Info(ctx, "node created", tag.Session(s.id), tag.Node(opts.ID), tag.Backend(opts.Backend))
	return n, nil
}

// buildNode constructs the terminal node variant selected by the
// backend option.
func (s *Session) buildNode(opts NodeOptions, hist *history.Writer, defParser parser.Kind) (node.Terminal, error) {
	if opts.Backend == BackendCLI {
		return node.NewCLI(node.CLIConfig{
			ID:              opts.ID,
			Command:         opts.Command,
			CWD:             opts.CWD,
			Env:             opts.Env,
			History:         hist,
			DefaultParser:   defParser,
			ReadyTimeout:    opts.ReadyTimeout,
			ResponseTimeout: opts.ResponseTimeout,
		})
	}
	if opts.Backend != string(backend.KindPane) && opts.Command == "" {
		return nil, fmt.Errorf("node %q requires a command: %w", opts.ID, core.ErrInvalid)
	}
	b, err := backend.New(backend.Kind(opts.Backend), backend.Options{PaneID: opts.PaneID})
	if err != nil {
		return nil, err
	}
	return node.NewTerminal(node.TerminalConfig{
		ID:              opts.ID,
		Command:         opts.Command,
		CWD:             opts.CWD,
		Env:             opts.Env,
		Backend:         b,
		History:         hist,
		DefaultParser:   defParser,
		ReadyTimeout:    opts.ReadyTimeout,
		ResponseTimeout: opts.ResponseTimeout,
	}), nil
}

func (s *Session) applyDefaults(opts NodeOptions) NodeOptions {
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = s.nodeDefaults.ReadyTimeout
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = s.nodeDefaults.ResponseTimeout
	}
	if opts.DefaultParser == "" {
		opts.DefaultParser = s.nodeDefaults.Parser
	}
	return opts
}

func parserKind(kind string) parser.Kind {
	if kind == "" {
		return parser.KindRaw
	}
	return parser.Kind(kind)
}

// CreateFunction registers a function node. No I/O.
func (s *Session) CreateFunction(id string, fn node.Fn) (*node.FunctionNode, error) {
	if err := s.reserve(id); err != nil {
		return nil, err
	}
	n := node.NewFunction(id, fn)
	s.mu.Lock()
	s.nodes[id] = n
	s.mu.Unlock()
	return n, nil
}

// CreateGraph registers an empty graph. No I/O.
func (s *Session) CreateGraph(id string) (*graph.Graph, error) {
	g := graph.New(id)
	if err := s.registerGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateGraphFromSpec builds a graph from a declarative YAML spec and
// registers it.
func (s *Session) CreateGraphFromSpec(id string, spec []byte) (*graph.Graph, error) {
	g, err := graph.FromSpec(id, spec)
	if err != nil {
		return nil, err
	}
	if err := s.registerGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}

// GetNode implements core.Session.
func (s *Session) GetNode(id string) (core.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok || n == nil {
		// nil is the in-flight creation placeholder.
		return nil, fmt.Errorf("node %q: %w", id, core.ErrNotFound)
	}
	return n, nil
}

// GetGraph returns a registered graph.
func (s *Session) GetGraph(id string) (*graph.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph %q: %w", id, core.ErrNotFound)
	}
	return g, nil
}

// ListNodes returns the node ids, sorted. Nodes still being created are
// not listed.
func (s *Session) ListNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.nodes))
	for id, n := range s.nodes {
		if n != nil {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	return keys
}

// ListGraphs returns the graph ids, sorted.
func (s *Session) ListGraphs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.graphs)
}

// DeleteNode stops the node (terminal nodes only) and removes it,
// reporting whether it existed.
func (s *Session) DeleteNode(ctx context.Context, id string) bool {
	s.mu.Lock()
	n, ok := s.nodes[id]
	delete(s.nodes, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if t, isTerminal := n.(node.Terminal); isTerminal {
		if err := t.Close(ctx, "node deleted"); err != nil {
			logger.Warn(ctx, "node close failed", tag.Node(id), tag.Error(err))
		}
	}
	return true
}

// DeleteGraph removes a graph, reporting whether it existed.
func (s *Session) DeleteGraph(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.graphs[id]
	delete(s.graphs, id)
	return ok
}

// RegisterWorkflow binds a workflow function under the given id.
func (s *Session) RegisterWorkflow(id string, fn workflow.Fn) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.workflows[id]; dup {
		return nil, fmt.Errorf("workflow %q: %w", id, core.ErrAlreadyExists)
	}
	wf := workflow.New(id, s, fn)
	s.workflows[id] = wf
	return wf, nil
}

// GetWorkflow returns a registered workflow.
func (s *Session) GetWorkflow(id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, core.ErrNotFound)
	}
	return wf, nil
}

// ListWorkflows returns the workflow ids, sorted.
func (s *Session) ListWorkflows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.workflows)
}

// ExecuteWorkflow creates, registers, and starts a run of the named
// workflow, returning it immediately.
func (s *Session) ExecuteWorkflow(ctx context.Context, id string, input any, params map[string]any) (*workflow.Run, error) {
	wf, err := s.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	run := wf.Execute(input, params)
	s.mu.Lock()
	s.runs[run.ID()] = run
	s.mu.Unlock()
	if err := run.Start(ctx); err != nil {
		return nil, err
	}
	logger.Info(ctx, "workflow run started", tag.Session(s.id), tag.ID(id), tag.Run(run.ID()))
	return run, nil
}

// GetRun returns a workflow run by id.
func (s *Session) GetRun(runID string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("workflow run %q: %w", runID, core.ErrNotFound)
	}
	return r, nil
}

// ListRuns returns snapshots of all runs, sorted by run id.
func (s *Session) ListRuns() []workflow.Snapshot {
	s.mu.RLock()
	runs := lo.Values(s.runs)
	s.mu.RUnlock()
	snaps := lo.Map(runs, func(r *workflow.Run, _ int) workflow.Snapshot {
		return r.Snapshot()
	})
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].RunID < snaps[j].RunID })
	return snaps
}

// Counts reports registry sizes for listings and metrics.
type Counts struct {
	Nodes     int
	Graphs    int
	Workflows int
	Runs      int
}

// Counts returns the current registry sizes.
func (s *Session) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Nodes:     len(s.nodes),
		Graphs:    len(s.graphs),
		Workflows: len(s.workflows),
		Runs:      len(s.runs),
	}
}

// Stop stops all nodes, cancels all non-terminal runs, and clears the
// registries. Idempotent.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	nodes := lo.Values(s.nodes)
	runs := lo.Values(s.runs)
	s.nodes = make(map[string]core.Node)
	s.graphs = make(map[string]*graph.Graph)
	s.workflows = make(map[string]*workflow.Workflow)
	s.runs = make(map[string]*workflow.Run)
	s.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, n := range nodes {
		if t, ok := n.(node.Terminal); ok {
			if err := t.Close(ctx, "session stopped"); err != nil {
				logger.Warn(ctx, "node close failed", tag.Node(n.ID()), tag.Error(err))
			}
		}
	}
	logger.Info(ctx, "session stopped", tag.Session(s.id))
}

// reserve claims a node id, failing on duplicates and stopped sessions.
func (s *Session) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("session %s is stopped: %w", s.id, core.ErrClosed)
	}
	if _, dup := s.nodes[id]; dup {
		return fmt.Errorf("node %q: %w", id, core.ErrAlreadyExists)
	}
	// Placeholder so concurrent creates of the same id fail fast; the
	// started node replaces it.
	s.nodes[id] = nil
	return nil
}

func (s *Session) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok && n == nil {
		delete(s.nodes, id)
	}
}

func (s *Session) registerGraph(g *graph.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("session %s is stopped: %w", s.id, core.ErrClosed)
	}
	if _, dup := s.graphs[g.ID()]; dup {
		return fmt.Errorf("graph %q: %w", g.ID(), core.ErrAlreadyExists)
	}
	s.graphs[g.ID()] = g
	return nil
}

// openHistory opens the node's history writer, or nil when disabled or
// when creation fails (logged, never fatal).
func (s *Session) openHistory(ctx context.Context, opts NodeOptions) *history.Writer {
	enabled := s.historyEnabled
	if opts.History != nil {
		enabled = *opts.History
	}
	if !enabled {
		return nil
	}
	hist, err := history.NewWriter(ctx, s.historyDir, s.serverName, opts.ID)
	if err != nil {
		logger.Warn(ctx, "history disabled for node",
			tag.Node(opts.ID), tag.Dir(s.historyDir), tag.Error(err))
		return nil
	}
	return hist
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
