// Package test provides shared fixtures: a context carrying a debug
// logger that writes through t.Log, and a temp history directory laid
// out the way the engine expects.
package test

import (
	"context"
	"io"
	"testing"

	"github.com/nervehq/nerve/internal/logger"
)

// Helper bundles per-test fixtures.
type Helper struct {
	// Context carries a test logger; pass it to everything under test.
	Context context.Context
	// HistoryDir is a fresh history base directory.
	HistoryDir string
}

// Setup builds the standard test fixture. Cleanup is automatic via
// t.TempDir and t.Cleanup.
func Setup(t *testing.T) Helper {
	t.Helper()
	log := logger.NewLogger(
		logger.WithDebug(),
		logger.WithFormat("text"),
		logger.WithWriter(&testWriter{t: t}),
	)
	return Helper{
		Context:    logger.WithLogger(context.Background(), log),
		HistoryDir: t.TempDir(),
	}
}

var _ io.Writer = (*testWriter)(nil)

// testWriter routes log output through t.Log so it is shown only for
// failing tests.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
