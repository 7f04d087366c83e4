package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_SourceLocation(t *testing.T) {
	tests := []struct {
		name          string
		logFunc       func(Logger)
		expectedInLog string
	}{
		{
			name: "InfoMethodShowsCorrectSource",
			logFunc: func(l Logger) {
				l.Info("test message")
			},
			expectedInLog: "logger_test.go:",
		},
		{
			name: "ErrorfMethodShowsCorrectSource",
			logFunc: func(l Logger) {
				l.Errorf("error %v", "test")
			},
			expectedInLog: "logger_test.go:",
		},
		{
			name: "WarnMethodShowsCorrectSource",
			logFunc: func(l Logger) {
				l.Warn("warn message")
			},
			expectedInLog: "logger_test.go:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(WithDebug(), WithQuiet(), WithWriter(&buf))

			tt.logFunc(l)

			out := buf.String()
			require.NotEmpty(t, out)
			assert.Contains(t, out, tt.expectedInLog)
			assert.NotContains(t, out, "logger.go:")
		})
	}
}

func TestLogger_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("json"))

	l.With("node", "sh-1").Info("started")

	out := buf.String()
	assert.Contains(t, out, `"node":"sh-1"`)
	assert.Contains(t, out, "started")
}

func TestLogger_QuietSuppressesConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithQuiet(), WithWriter(&buf))

	l.Info("still written to the writer")
	assert.True(t, strings.Contains(buf.String(), "still written to the writer"))
}

func TestFromContext(t *testing.T) {
	t.Run("ReturnsDefaultWhenUnset", func(t *testing.T) {
		l := FromContext(context.Background())
		require.NotNil(t, l)
	})

	t.Run("ReturnsInjectedLogger", func(t *testing.T) {
		var buf bytes.Buffer
		injected := NewLogger(WithQuiet(), WithWriter(&buf))
		ctx := WithLogger(context.Background(), injected)

		Info(ctx, "through the context")
		assert.Contains(t, buf.String(), "through the context")
	})

	t.Run("FixedLoggerWins", func(t *testing.T) {
		var fixedBuf, otherBuf bytes.Buffer
		fixed := NewLogger(WithQuiet(), WithWriter(&fixedBuf))
		other := NewLogger(WithQuiet(), WithWriter(&otherBuf))

		ctx := WithFixedLogger(context.Background(), fixed)
		ctx = WithLogger(ctx, other)

		Info(ctx, "pinned")
		assert.Contains(t, fixedBuf.String(), "pinned")
		assert.Empty(t, otherBuf.String())
	})
}
