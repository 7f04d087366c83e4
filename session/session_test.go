package session_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/graph"
	"github.com/nervehq/nerve/internal/test"
	"github.com/nervehq/nerve/node"
	"github.com/nervehq/nerve/session"
	"github.com/nervehq/nerve/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	th := test.Setup(t)
	return session.New(session.Config{
		ID:             "s1",
		ServerName:     "testsrv",
		HistoryDir:     th.HistoryDir,
		HistoryEnabled: true,
	})
}

func TestCreateNode(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	n, err := s.CreateNode(ctx, session.NodeOptions{
		ID:      "worker",
		Command: "cat",
	})
	require.NoError(t, err)
	assert.Equal(t, node.StateReady, n.State())
	assert.Equal(t, []string{"worker"}, s.ListNodes())

	got, err := s.GetNode("worker")
	require.NoError(t, err)
	assert.Same(t, core.Node(n), got)

	// History file exists under {base}/{server}/{node}.jsonl.
	assert.FileExists(t, n.HistoryPath())
	assert.True(t, strings.HasSuffix(n.HistoryPath(), filepath.Join("testsrv", "worker.jsonl")))
}

func TestCreateNodeValidation(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	t.Run("BadID", func(t *testing.T) {
		_, err := s.CreateNode(ctx, session.NodeOptions{ID: "Bad_ID", Command: "cat"})
		require.ErrorIs(t, err, core.ErrInvalid)
	})
	t.Run("MissingCommand", func(t *testing.T) {
		_, err := s.CreateNode(ctx, session.NodeOptions{ID: "nocmd"})
		require.ErrorIs(t, err, core.ErrInvalid)
	})
	t.Run("UnknownParser", func(t *testing.T) {
		_, err := s.CreateNode(ctx, session.NodeOptions{ID: "badp", Command: "cat", DefaultParser: "nope"})
		require.ErrorIs(t, err, core.ErrInvalid)
	})
	t.Run("UnknownBackend", func(t *testing.T) {
		_, err := s.CreateNode(ctx, session.NodeOptions{ID: "badb", Command: "cat", Backend: "serial"})
		require.ErrorIs(t, err, core.ErrInvalid)
	})
	t.Run("DuplicateID", func(t *testing.T) {
		_, err := s.CreateNode(ctx, session.NodeOptions{ID: "dup", Command: "cat"})
		require.NoError(t, err)
		_, err = s.CreateNode(ctx, session.NodeOptions{ID: "dup", Command: "cat"})
		require.ErrorIs(t, err, core.ErrAlreadyExists)
	})
	t.Run("SpawnFailureReleasesID", func(t *testing.T) {
		_, err := s.CreateNode(ctx, session.NodeOptions{ID: "ghost", Command: "/no/such/binary"})
		require.ErrorIs(t, err, core.ErrSpawn)
		// The id is reusable after the failed create.
		_, err = s.CreateNode(ctx, session.NodeOptions{ID: "ghost", Command: "cat"})
		require.NoError(t, err)
	})
}

func TestHistoryDisabled(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	off := false
	n, err := s.CreateNode(ctx, session.NodeOptions{
		ID:      "quiet",
		Command: "cat",
		History: &off,
	})
	require.NoError(t, err)
	assert.Empty(t, n.HistoryPath())
}

func TestHistoryCreationFailureIsSoft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// A regular file where a directory is needed makes writer creation
	// fail regardless of privileges.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))

	s := session.New(session.Config{
		ID:             "s1",
		ServerName:     "srv",
		HistoryDir:     filepath.Join(blocked, "deep"),
		HistoryEnabled: true,
	})
	t.Cleanup(func() { s.Stop(ctx) })

	// Node creation proceeds without history.
	n, err := s.CreateNode(ctx, session.NodeOptions{ID: "worker", Command: "cat"})
	require.NoError(t, err)
	assert.Empty(t, n.HistoryPath())
}

func TestDeleteNode(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	n, err := s.CreateNode(ctx, session.NodeOptions{ID: "worker", Command: "cat"})
	require.NoError(t, err)

	assert.True(t, s.DeleteNode(ctx, "worker"))
	assert.Equal(t, node.StateStopped, n.State())
	assert.False(t, s.DeleteNode(ctx, "worker"))
	_, err = s.GetNode("worker")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestFunctionAndGraphRegistry(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	_, err := s.CreateFunction("double", func(_ context.Context, ec *core.ExecutionContext) (any, error) {
		return ec.Input.(int) * 2, nil
	})
	require.NoError(t, err)
	_, err = s.CreateFunction("double", nil)
	require.ErrorIs(t, err, core.ErrAlreadyExists)

	g, err := s.CreateGraph("pipeline")
	require.NoError(t, err)
	_, err = s.CreateGraph("pipeline")
	require.ErrorIs(t, err, core.ErrAlreadyExists)
	assert.Equal(t, []string{"pipeline"}, s.ListGraphs())

	// Steps resolve registered nodes through the session by reference.
	g.AddStep(&graph.Step{ID: "d", NodeRef: "double", Input: 21})
	results, err := g.Run(ctx, core.NewExecutionContext(s, nil))
	require.NoError(t, err)
	assert.Equal(t, 42, results["d"])

	assert.True(t, s.DeleteGraph("pipeline"))
	assert.False(t, s.DeleteGraph("pipeline"))
}

func TestCreateGraphFromSpec(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	_, err := s.CreateFunction("echo", func(_ context.Context, ec *core.ExecutionContext) (any, error) {
		return ec.Input, nil
	})
	require.NoError(t, err)

	g, err := s.CreateGraphFromSpec("declared", []byte(`
steps:
  - id: a
    node: echo
    input: hello
`))
	require.NoError(t, err)

	results, err := g.Run(ctx, core.NewExecutionContext(s, nil))
	require.NoError(t, err)
	assert.Equal(t, "hello", results["a"])

	_, err = s.CreateGraphFromSpec("bad", []byte(`steps: [{id: a}]`))
	require.ErrorIs(t, err, core.ErrInvalid)
}

func TestWorkflows(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	_, err := s.CreateFunction("upper", func(_ context.Context, ec *core.ExecutionContext) (any, error) {
		return strings.ToUpper(ec.InputString()), nil
	})
	require.NoError(t, err)

	_, err = s.RegisterWorkflow("shout", func(ctx context.Context, wc *workflow.Context) (any, error) {
		out, err := wc.Run(ctx, "upper", wc.Input())
		if err != nil {
			return nil, err
		}
		return out["output"], nil
	})
	require.NoError(t, err)
	_, err = s.RegisterWorkflow("shout", nil)
	require.ErrorIs(t, err, core.ErrAlreadyExists)
	assert.Equal(t, []string{"shout"}, s.ListWorkflows())

	run, err := s.ExecuteWorkflow(ctx, "shout", "hi", nil)
	require.NoError(t, err)
	result, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HI", result)

	got, err := s.GetRun(run.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, got.State())

	snaps := s.ListRuns()
	require.Len(t, snaps, 1)
	assert.Equal(t, run.ID(), snaps[0].RunID)

	_, err = s.ExecuteWorkflow(ctx, "missing", nil, nil)
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetRun("missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)

	n, err := s.CreateNode(ctx, session.NodeOptions{ID: "worker", Command: "cat"})
	require.NoError(t, err)

	_, err = s.RegisterWorkflow("waiter", func(ctx context.Context, wc *workflow.Context) (any, error) {
		return wc.Gate(ctx, "stuck")
	})
	require.NoError(t, err)
	run, err := s.ExecuteWorkflow(ctx, "waiter", nil, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return run.State() == workflow.StateWaiting
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop(ctx)

	assert.Equal(t, node.StateStopped, n.State())
	_, err = run.Wait(ctx)
	require.ErrorIs(t, err, core.ErrCanceled)
	assert.Empty(t, s.ListNodes())

	// Stopped sessions reject new registrations.
	_, err = s.CreateFunction("late", nil)
	require.ErrorIs(t, err, core.ErrClosed)
	_, err = s.CreateNode(ctx, session.NodeOptions{ID: "late", Command: "cat"})
	require.ErrorIs(t, err, core.ErrClosed)

	// Idempotent.
	s.Stop(ctx)
}

func TestInfo(t *testing.T) {
	s := session.New(session.Config{
		ID:          "s1",
		Name:        "primary",
		Description: "main session",
		Tags:        []string{"a", "b"},
	})
	info := s.Info()
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "primary", info.Name)
	assert.Equal(t, "main session", info.Description)
	assert.Equal(t, []string{"a", "b"}, info.Tags)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	t.Cleanup(func() { s.Stop(ctx) })

	_, err := s.CreateFunction("f", func(context.Context, *core.ExecutionContext) (any, error) { return nil, nil })
	require.NoError(t, err)
	_, err = s.CreateGraph("g")
	require.NoError(t, err)

	c := s.Counts()
	assert.Equal(t, 1, c.Nodes)
	assert.Equal(t, 1, c.Graphs)
	assert.Equal(t, 0, c.Workflows)
	assert.Equal(t, 0, c.Runs)
}
