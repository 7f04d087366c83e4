// Package cmdutil turns user-supplied command strings into argv vectors.
package cmdutil

import (
	"errors"

	"mvdan.cc/sh/v3/shell"
)

var ErrCommandIsEmpty = errors.New("command is empty")

// SplitCommand splits a shell-style command string into the program name
// and its arguments. Quoting and escaping follow POSIX shell word
// splitting; environment variables are not expanded here because the
// child's own shell, if any, is responsible for that.
func SplitCommand(cmd string) (string, []string, error) {
	fields, err := shell.Fields(cmd, nil)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, ErrCommandIsEmpty
	}
	return fields[0], fields[1:], nil
}
