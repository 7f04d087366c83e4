// Package parser classifies terminal output buffers. A parser is pure:
// given the current buffer it decides whether the subprocess has
// returned to an idle prompt and, when it has, extracts structured
// sections from the response.
package parser

import (
	"fmt"

	"github.com/nervehq/nerve/core"
)

// Kind names a registered parser variant.
type Kind string

const (
	// KindRaw is the null parser: always ready, one raw section.
	KindRaw Kind = "raw"
	// KindClaude recognizes the claude CLI's idle prompt.
	KindClaude Kind = "claude"
	// KindCodex recognizes the codex CLI's idle prompt and its
	// "thinking" indicator.
	KindCodex Kind = "codex"
)

// Section is one structured portion of a parsed response.
type Section struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// ParsedResponse is the result of parsing a buffer that reached
// readiness.
type ParsedResponse struct {
	Sections   []Section `json:"sections"`
	Tokens     int64     `json:"tokens"`
	IsComplete bool      `json:"is_complete"`
	IsReady    bool      `json:"is_ready"`
}

// Text joins the section contents, for callers that only want the flat
// response body.
func (r *ParsedResponse) Text() string {
	var out string
	for i, s := range r.Sections {
		if i > 0 {
			out += "\n"
		}
		out += s.Content
	}
	return out
}

// Parser classifies a buffer tail. Implementations hold no state and
// are safe for concurrent use.
type Parser interface {
	// Kind identifies the variant for history entries and overrides.
	Kind() Kind
	// IsReady reports whether the buffer tail shows an idle prompt.
	IsReady(buffer string) bool
	// Parse extracts the structured response from the buffer.
	Parse(buffer string) (*ParsedResponse, error)
	// Submit returns the byte sequence appended to an input to submit
	// it to the subprocess.
	Submit() []byte
}

// New returns the parser for kind. Empty kind resolves to raw.
func New(kind Kind) (Parser, error) {
	switch kind {
	case KindRaw, "":
		return &RawParser{}, nil
	case KindClaude:
		return &ClaudeParser{}, nil
	case KindCodex:
		return &CodexParser{}, nil
	default:
		return nil, fmt.Errorf("unknown parser %q: %w", kind, core.ErrInvalid)
	}
}

// Resolve picks the effective parser in priority order: per-operation
// override, then step override, then the node default, then raw.
func Resolve(opOverride, stepOverride, nodeDefault Kind) (Parser, error) {
	for _, k := range []Kind{opOverride, stepOverride, nodeDefault} {
		if k != "" {
			return New(k)
		}
	}
	return New(KindRaw)
}
