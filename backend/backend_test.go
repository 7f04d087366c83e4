package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/nervehq/nerve/backend"
	"github.com/nervehq/nerve/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("DefaultIsPTY", func(t *testing.T) {
		b, err := backend.New("", backend.Options{})
		require.NoError(t, err)
		assert.True(t, b.Accumulating())
	})
	t.Run("PaneRequiresPaneID", func(t *testing.T) {
		_, err := backend.New(backend.KindPane, backend.Options{})
		require.ErrorIs(t, err, core.ErrInvalid)
	})
	t.Run("UnknownKind", func(t *testing.T) {
		_, err := backend.New("serial", backend.Options{})
		require.ErrorIs(t, err, core.ErrInvalid)
	})
}

func TestPTYSpawnFailure(t *testing.T) {
	t.Parallel()

	b := backend.NewPTY()
	err := b.Start(context.Background(), []string{"/no/such/binary"}, "", nil)
	require.ErrorIs(t, err, core.ErrSpawn)
	assert.False(t, b.Alive())
}

func TestPTYEcho(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := backend.NewPTY()
	require.NoError(t, b.Start(ctx, []string{"cat"}, "", nil))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	require.True(t, b.Alive())
	require.NotZero(t, b.PID())

	require.NoError(t, b.Write([]byte("hello\n")))
	require.Eventually(t, func() bool {
		return len(b.ReadBuffer()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	assert.Contains(t, b.ReadBuffer(), "hello")

	b.ClearBuffer()
	assert.Empty(t, b.ReadBuffer())
}

func TestPTYReadTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := backend.NewPTY()
	require.NoError(t, b.Start(ctx, []string{"sh", "-c", "printf 'a\\nb\\nc\\n'; sleep 60"}, "", nil))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	require.Eventually(t, func() bool {
		return len(b.ReadBuffer()) >= 6
	}, 5*time.Second, 50*time.Millisecond)

	tail := b.ReadTail(2)
	assert.NotContains(t, tail, "a")
	assert.Contains(t, tail, "c")
}

func TestPTYStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := backend.NewPTY()
	require.NoError(t, b.Start(ctx, []string{"cat"}, "", nil))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	stream := b.ReadStream(ctx)
	require.NoError(t, b.Write([]byte("chunk\n")))

	var got string
	require.Eventually(t, func() bool {
		select {
		case chunk, ok := <-stream:
			if ok {
				got += chunk
			}
		default:
		}
		return len(got) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, got, "chunk")
}

func TestPTYStreamEndsOnExit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := backend.NewPTY()
	require.NoError(t, b.Start(ctx, []string{"sh", "-c", "echo out"}, "", nil))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	stream := b.ReadStream(ctx)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return // channel closed when the child exited
			}
		case <-deadline:
			t.Fatal("stream did not terminate after child exit")
		}
	}
}

func TestPTYStopIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := backend.NewPTY()
	require.NoError(t, b.Start(ctx, []string{"cat"}, "", nil))

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
	assert.False(t, b.Alive())

	err := b.Write([]byte("late"))
	require.ErrorIs(t, err, core.ErrClosed)
}

func TestPaneWriteWhenStopped(t *testing.T) {
	t.Parallel()

	b := backend.NewPane("%0")
	err := b.Write([]byte("x"))
	require.ErrorIs(t, err, core.ErrClosed)
}

func TestPaneAccumulating(t *testing.T) {
	t.Parallel()

	b := backend.NewPane("%0")
	assert.False(t, b.Accumulating())
	assert.Equal(t, 2*time.Second, b.PollInterval())
	assert.Zero(t, b.PID())
}
