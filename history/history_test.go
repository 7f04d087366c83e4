package history_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriter(t *testing.T) (*history.Writer, string) {
	t.Helper()
	base := t.TempDir()
	w, err := history.NewWriter(context.Background(), base, "srv", "node-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, history.Path(base, "srv", "node-1")
}

func TestNewWriterValidatesNames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()

	cases := []struct{ server, node string }{
		{"Bad_Server", "node"},
		{"srv", "UPPER"},
		{"srv", ""},
		{"srv", "-leading"},
		{"srv", "trailing-"},
		{"srv", "way-too-long-identifier-over-thirty-two-chars"},
	}
	for _, tc := range cases {
		_, err := history.NewWriter(ctx, base, tc.server, tc.node)
		require.ErrorIs(t, err, core.ErrInvalid, "%s/%s", tc.server, tc.node)
	}
	// No directories are created for invalid names.
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriterSequenceIsDense(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, path := newWriter(t)

	assert.Equal(t, int64(1), w.LogRun(ctx, "bash -i"))
	assert.Equal(t, int64(2), w.LogRead(ctx, "output", 1))
	assert.Equal(t, int64(3), w.LogWrite(ctx, "raw"))
	assert.Equal(t, int64(4), w.LogInterrupt(ctx))
	assert.Equal(t, int64(5), w.LogClose(ctx, "stopped"))

	entries, err := history.NewReader(path).GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, history.OpRun, entries[0].Op)
	assert.Equal(t, history.OpClose, entries[4].Op)
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, path := newWriter(t)

	start := time.Now().Add(-time.Second)
	end := time.Now()
	resp := &parser.ParsedResponse{
		Sections:   []parser.Section{{Kind: "raw", Content: "done"}},
		Tokens:     3,
		IsComplete: true,
		IsReady:    true,
	}
	w.LogRead(ctx, "tail", 1)
	w.LogSend(ctx, "printf done", start, end, 1, resp)
	w.LogSendStream(ctx, "stream me", start, end, 1, "final tail", "raw")

	entries, err := history.NewReader(path).GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	send := entries[1]
	assert.Equal(t, history.OpSend, send.Op)
	assert.Equal(t, "printf done", send.Input)
	assert.Equal(t, int64(1), send.PrecedingBufferSeq)
	require.NotNil(t, send.ParsedResponse)
	assert.Equal(t, "done", send.ParsedResponse.Sections[0].Content)
	assert.True(t, send.ParsedResponse.IsReady)

	stream := entries[2]
	assert.Equal(t, history.OpSendStream, stream.Op)
	assert.Equal(t, "final tail", stream.FinalBuffer)
	assert.Equal(t, "raw", stream.Parser)
	assert.NotEmpty(t, stream.TSStart)
	assert.NotEmpty(t, stream.TSEnd)
}

func TestWriterRecoversSeqFromExistingFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()

	w1, err := history.NewWriter(ctx, base, "srv", "node-1")
	require.NoError(t, err)
	w1.LogRun(ctx, "one")
	w1.LogRun(ctx, "two")
	require.NoError(t, w1.Close())

	w2, err := history.NewWriter(ctx, base, "srv", "node-1")
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()

	assert.Equal(t, int64(3), w2.LogRun(ctx, "three"))
	assert.Equal(t, int64(4), w2.LogRun(ctx, "four"))
}

func TestRecoverySkipsMalformedLines(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()
	dir := filepath.Join(base, "srv")
	require.NoError(t, os.MkdirAll(dir, 0750))
	path := filepath.Join(dir, "node-1.jsonl")

	content := `{"seq":1,"op":"run","ts":"t","input":"a"}
this line is not json
{"seq":2,"op":"run","ts":"t","input":"b"}
{"broken json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	w, err := history.NewWriter(ctx, base, "srv", "node-1")
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	// Counter resumes from the highest surviving seq.
	assert.Equal(t, int64(3), w.LogRun(ctx, "c"))

	entries, err := history.NewReader(path).GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, int64(3), entries[2].Seq)
}

func TestWriteAfterCloseIsFailSoft(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _ := newWriter(t)
	w.LogRun(ctx, "x")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close()) // idempotent

	assert.Zero(t, w.LogRun(ctx, "after close"))
}

func TestReaderQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, path := newWriter(t)
	w.LogRun(ctx, "run-1")
	w.LogRead(ctx, "buf", 1)
	w.LogWrite(ctx, "wr")
	w.LogSend(ctx, "send-1", time.Now(), time.Now(), 2, nil)
	w.LogInterrupt(ctx)

	r := history.NewReader(path)

	t.Run("GetLast", func(t *testing.T) {
		last, err := r.GetLast(ctx, 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, history.OpSend, last[0].Op)
		assert.Equal(t, history.OpInterrupt, last[1].Op)
	})
	t.Run("GetLastLargerThanFile", func(t *testing.T) {
		all, err := r.GetLast(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
	t.Run("GetByOp", func(t *testing.T) {
		runs, err := r.GetByOp(ctx, history.OpRun)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-1", runs[0].Input)
	})
	t.Run("GetBySeq", func(t *testing.T) {
		e, err := r.GetBySeq(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, history.OpWrite, e.Op)

		_, err = r.GetBySeq(ctx, 99)
		require.ErrorIs(t, err, core.ErrNotFound)
	})
	t.Run("GetInputsOnly", func(t *testing.T) {
		inputs, err := r.GetInputsOnly(ctx)
		require.NoError(t, err)
		require.Len(t, inputs, 3)
		assert.Equal(t, history.OpRun, inputs[0].Op)
		assert.Equal(t, history.OpWrite, inputs[1].Op)
		assert.Equal(t, history.OpSend, inputs[2].Op)
	})
	t.Run("MissingFile", func(t *testing.T) {
		_, err := history.NewReader(filepath.Join(t.TempDir(), "none.jsonl")).GetAll(ctx)
		require.ErrorIs(t, err, core.ErrNotFound)
	})
}
