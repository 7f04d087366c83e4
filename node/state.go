// Package node implements the unit of work: terminal nodes driving a
// PTY-backed subprocess, function nodes wrapping a callable, and the
// wrapped-CLI specialization composing an inner terminal node.
package node

import "fmt"

// State is the node lifecycle state. Transitions follow
// CREATED→STARTING→READY⇄BUSY→STOPPING→STOPPED; a failed start jumps to
// STOPPED, which is absorbing.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateReady
	StateBusy
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateListener observes node state transitions. Listeners run on the
// transitioning goroutine and must not block.
type StateListener func(nodeID string, s State)
