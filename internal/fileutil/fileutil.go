package fileutil

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// safeNameRe is the grammar for identifiers that participate in
// filesystem paths (node ids, server names).
var safeNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// MaxSafeNameLen is the maximum length of a path-safe identifier.
const MaxSafeNameLen = 32

// ValidateSafeName returns an error describing why name is not path-safe,
// or nil. Callers validate before any filesystem touch.
func ValidateSafeName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > MaxSafeNameLen {
		return fmt.Errorf("name %q exceeds %d characters", name, MaxSafeNameLen)
	}
	if !safeNameRe.MatchString(name) {
		return fmt.Errorf("name %q must match %s", name, safeNameRe.String())
	}
	return nil
}

// FileExists returns true if file exists.
func FileExists(file string) bool {
	_, err := os.Stat(file)
	return !os.IsNotExist(err)
}

// OpenOrCreateFile opens file in append mode or creates it if it doesn't
// exist. History logs rely on the append semantics.
func OpenOrCreateFile(file string) (*os.File, error) {
	if FileExists(file) {
		return openFile(file)
	}
	return createFile(file)
}

// openFile opens file.
func openFile(file string) (*os.File, error) {
	outfile, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec
	if err != nil {
		return nil, err
	}
	return outfile, nil
}

// createFile creates file.
func createFile(file string) (*os.File, error) {
	outfile, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec
	if err != nil {
		return nil, err
	}
	return outfile, nil
}

// TailLines returns the last n lines of text. A trailing newline does not
// count as an extra line. n <= 0 returns an empty string.
func TailLines(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(text, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
