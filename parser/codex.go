package parser

import (
	"strings"

	"github.com/nervehq/nerve/internal/fileutil"
)

// Anchors for the codex CLI. Its idle prompt draws a heavy input caret
// and a send hint; while generating it shows a spinner line with a
// "Thinking" label and the interrupt hint.
const (
	codexPromptCaret = "▌"
	codexSendHint    = "⏎ send"
	codexThinking    = "thinking"
	codexBusyHint    = "esc to interrupt"
)

// CodexParser recognizes the codex CLI prompt. Unlike the claude
// variant it has an explicit "thinking" indicator that forces not-ready
// even when prompt chrome is visible.
type CodexParser struct{}

var _ Parser = (*CodexParser)(nil)

func (*CodexParser) Kind() Kind { return KindCodex }

func (*CodexParser) IsReady(buffer string) bool {
	tail := strings.ToLower(StripANSI(fileutil.TailLines(buffer, tailWindow)))
	if strings.Contains(tail, codexThinking) || strings.Contains(tail, codexBusyHint) {
		return false
	}
	return strings.Contains(tail, codexPromptCaret) || strings.Contains(tail, strings.ToLower(codexSendHint))
}

func (p *CodexParser) Parse(buffer string) (*ParsedResponse, error) {
	ready := p.IsReady(buffer)
	text := StripANSI(buffer)
	sections := splitCodexSections(text)
	return &ParsedResponse{
		Sections:   sections,
		Tokens:     estimateTokens(text),
		IsComplete: ready,
		IsReady:    ready,
	}, nil
}

func (*CodexParser) Submit() []byte { return []byte("\n") }

// splitCodexSections groups output by the CLI's "codex" response
// headers; a buffer without headers becomes one raw section.
func splitCodexSections(text string) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var current *Section
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "codex" || strings.HasPrefix(trimmed, "• ") {
			if current != nil {
				current.Content = strings.TrimSpace(current.Content)
				sections = append(sections, *current)
			}
			current = &Section{Kind: "text", Content: strings.TrimSpace(strings.TrimPrefix(trimmed, "• "))}
			if trimmed == "codex" {
				current.Content = ""
			}
			continue
		}
		if current != nil && !strings.Contains(trimmed, codexPromptCaret) {
			current.Content += "\n" + line
		}
	}
	if current != nil {
		current.Content = strings.TrimSpace(current.Content)
		sections = append(sections, *current)
	}
	if len(sections) == 0 {
		return []Section{{Kind: "raw", Content: text}}
	}
	return sections
}
