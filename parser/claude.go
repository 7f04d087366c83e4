package parser

import (
	"strings"

	"github.com/nervehq/nerve/internal/fileutil"
)

// Anchors the claude CLI draws when it returns to its idle prompt. The
// input box bottom border plus the shortcut hint only appear together
// when the CLI is waiting for input; while generating it replaces the
// hint with the interrupt hint.
const (
	claudePromptBorder = "╰─"
	claudePromptHint   = "? for shortcuts"
	claudePromptCaret  = "❯"
	claudeBusyHint     = "esc to interrupt"
)

// tailWindow bounds how far back anchor matching looks. Prompt chrome
// is always within the last screenful.
const tailWindow = 40

// ClaudeParser recognizes the claude CLI prompt. Submission is the
// two-key sequence the TUI's input box expects; the node layer discards
// the null submit echo that follows.
type ClaudeParser struct{}

var _ Parser = (*ClaudeParser)(nil)

func (*ClaudeParser) Kind() Kind { return KindClaude }

func (*ClaudeParser) IsReady(buffer string) bool {
	tail := StripANSI(fileutil.TailLines(buffer, tailWindow))
	if strings.Contains(strings.ToLower(tail), claudeBusyHint) {
		return false
	}
	if !strings.Contains(tail, claudePromptBorder) {
		return false
	}
	return strings.Contains(tail, claudePromptHint) || strings.Contains(tail, claudePromptCaret)
}

func (p *ClaudeParser) Parse(buffer string) (*ParsedResponse, error) {
	ready := p.IsReady(buffer)
	text := StripANSI(buffer)
	sections := splitBulletSections(text)
	return &ParsedResponse{
		Sections:   sections,
		Tokens:     estimateTokens(text),
		IsComplete: ready,
		IsReady:    ready,
	}, nil
}

// Submit returns carriage return twice: the first commits the input box,
// the second flushes the TUI's paste-guard. The extra submit arrives on
// an empty box and is a no-op there.
func (*ClaudeParser) Submit() []byte { return []byte("\r\r") }

// splitBulletSections groups output by the CLI's "●" response bullets.
// Content before the first bullet (echoed input, banners) is dropped;
// a buffer without bullets becomes one raw section.
func splitBulletSections(text string) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var current *Section
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "●") {
			if current != nil {
				current.Content = strings.TrimSpace(current.Content)
				sections = append(sections, *current)
			}
			current = &Section{
				Kind:    "text",
				Content: strings.TrimSpace(strings.TrimPrefix(trimmed, "●")),
			}
			continue
		}
		if current != nil && !isPromptChrome(trimmed) {
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

// isPromptChrome filters input-box borders and hints out of section
// bodies.
func isPromptChrome(line string) bool {
	if line == "" {
		return false
	}
	for _, marker := range []string{"╭─", "╰─", "│", claudePromptHint, claudeBusyHint} {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// estimateTokens approximates usage at four characters per token, the
// usual rule of thumb when the CLI does not report an exact count.
func estimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
