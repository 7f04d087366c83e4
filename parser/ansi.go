package parser

import "regexp"

// ANSI escape sequences emitted by full-screen CLIs. CSI covers cursor
// movement and styling; OSC covers window-title updates.
var (
	csiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
)

// StripANSI removes escape sequences so anchor substrings match the
// text the user actually sees.
func StripANSI(s string) string {
	s = oscRe.ReplaceAllString(s, "")
	return csiRe.ReplaceAllString(s, "")
}
