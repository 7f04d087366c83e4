package parser_test

import (
	"testing"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("EmptyKindIsRaw", func(t *testing.T) {
		p, err := parser.New("")
		require.NoError(t, err)
		assert.Equal(t, parser.KindRaw, p.Kind())
	})
	t.Run("KnownKinds", func(t *testing.T) {
		for _, k := range []parser.Kind{parser.KindRaw, parser.KindClaude, parser.KindCodex} {
			p, err := parser.New(k)
			require.NoError(t, err)
			assert.Equal(t, k, p.Kind())
		}
	})
	t.Run("UnknownKind", func(t *testing.T) {
		_, err := parser.New("nope")
		require.ErrorIs(t, err, core.ErrInvalid)
	})
}

func TestResolvePriority(t *testing.T) {
	t.Parallel()

	p, err := parser.Resolve(parser.KindCodex, parser.KindClaude, parser.KindRaw)
	require.NoError(t, err)
	assert.Equal(t, parser.KindCodex, p.Kind())

	p, err = parser.Resolve("", parser.KindClaude, parser.KindRaw)
	require.NoError(t, err)
	assert.Equal(t, parser.KindClaude, p.Kind())

	p, err = parser.Resolve("", "", parser.KindCodex)
	require.NoError(t, err)
	assert.Equal(t, parser.KindCodex, p.Kind())

	p, err = parser.Resolve("", "", "")
	require.NoError(t, err)
	assert.Equal(t, parser.KindRaw, p.Kind())
}

func TestRawParser(t *testing.T) {
	t.Parallel()

	p := &parser.RawParser{}
	assert.True(t, p.IsReady(""))
	assert.True(t, p.IsReady("anything at all"))

	resp, err := p.Parse("hello\nworld")
	require.NoError(t, err)
	require.Len(t, resp.Sections, 1)
	assert.Equal(t, "raw", resp.Sections[0].Kind)
	assert.Equal(t, "hello\nworld", resp.Sections[0].Content)
	assert.True(t, resp.IsReady)
	assert.True(t, resp.IsComplete)
	assert.Equal(t, []byte("\n"), p.Submit())
}

const claudeIdle = `● Here is the answer you asked for.
  It spans two lines.

╭──────────────────────────────╮
│ ❯                            │
╰──────────────────────────────╯
  ? for shortcuts`

const claudeBusy = `● Working on it...

╭──────────────────────────────╮
│ ❯                            │
╰──────────────────────────────╯
  esc to interrupt`

func TestClaudeParser(t *testing.T) {
	t.Parallel()

	p := &parser.ClaudeParser{}

	t.Run("IdlePromptIsReady", func(t *testing.T) {
		assert.True(t, p.IsReady(claudeIdle))
	})
	t.Run("BusyHintBlocksReady", func(t *testing.T) {
		assert.False(t, p.IsReady(claudeBusy))
	})
	t.Run("NoPromptNotReady", func(t *testing.T) {
		assert.False(t, p.IsReady("plain output, no box"))
	})
	t.Run("ParseExtractsBulletSections", func(t *testing.T) {
		resp, err := p.Parse(claudeIdle)
		require.NoError(t, err)
		require.Len(t, resp.Sections, 1)
		assert.Contains(t, resp.Sections[0].Content, "Here is the answer")
		assert.Contains(t, resp.Sections[0].Content, "spans two lines")
		assert.NotContains(t, resp.Sections[0].Content, "shortcuts")
		assert.True(t, resp.IsReady)
	})
	t.Run("ParseWithoutBulletsFallsBackToRaw", func(t *testing.T) {
		resp, err := p.Parse("just text\n╰─ ❯")
		require.NoError(t, err)
		require.Len(t, resp.Sections, 1)
		assert.Equal(t, "raw", resp.Sections[0].Kind)
	})
	t.Run("TwoKeySubmit", func(t *testing.T) {
		assert.Equal(t, []byte("\r\r"), p.Submit())
	})
	t.Run("ANSIIsStripped", func(t *testing.T) {
		noisy := "\x1b[2J\x1b[1;1H" + claudeIdle + "\x1b[0m"
		assert.True(t, p.IsReady(noisy))
	})
}

const codexIdle = `codex
The files look fine.

▌ type your message
  ⏎ send`

const codexThinking = `codex
Let me check.

• Thinking
  esc to interrupt`

func TestCodexParser(t *testing.T) {
	t.Parallel()

	p := &parser.CodexParser{}

	t.Run("IdlePromptIsReady", func(t *testing.T) {
		assert.True(t, p.IsReady(codexIdle))
	})
	t.Run("ThinkingBlocksReady", func(t *testing.T) {
		assert.False(t, p.IsReady(codexThinking))
	})
	t.Run("ParseExtractsSections", func(t *testing.T) {
		resp, err := p.Parse(codexIdle)
		require.NoError(t, err)
		require.NotEmpty(t, resp.Sections)
		assert.Contains(t, resp.Sections[0].Content, "The files look fine.")
	})
	t.Run("NewlineSubmit", func(t *testing.T) {
		assert.Equal(t, []byte("\n"), p.Submit())
	})
}

func TestStripANSI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", parser.StripANSI("\x1b[31mhello\x1b[0m"))
	assert.Equal(t, "title", parser.StripANSI("\x1b]0;ignored\x07title"))
	assert.Equal(t, "plain", parser.StripANSI("plain"))
}
