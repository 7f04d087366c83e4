// Package history maintains the per-node append-only JSONL audit log.
// Every I/O operation on a terminal node appends one entry; sequence
// numbers are monotonic and dense within a file.
package history

import "github.com/nervehq/nerve/parser"

// Op is the operation kind recorded on a history entry.
type Op string

const (
	OpRun        Op = "run"
	OpWrite      Op = "write"
	OpRead       Op = "read"
	OpSend       Op = "send"
	OpSendStream Op = "send_stream"
	OpInterrupt  Op = "interrupt"
	OpClose      Op = "close"
)

// inputOps are the operations counted by GetInputsOnly.
var inputOps = map[Op]struct{}{
	OpSend:       {},
	OpSendStream: {},
	OpWrite:      {},
	OpRun:        {},
}

// Response is the parsed-response summary embedded in send entries.
type Response struct {
	Sections   []parser.Section `json:"sections"`
	Tokens     int64            `json:"tokens"`
	IsComplete bool             `json:"is_complete"`
	IsReady    bool             `json:"is_ready"`
}

// Entry is one JSONL line. Seq and Op are always present; the rest is
// op-specific. Unknown fields written by newer versions are tolerated
// on read.
type Entry struct {
	Seq int64 `json:"seq"`
	Op  Op    `json:"op"`

	// run / write / read / interrupt / close
	TS string `json:"ts,omitempty"`

	// run / write / send / send_stream
	Input string `json:"input,omitempty"`

	// read
	Buffer string `json:"buffer,omitempty"`
	Lines  int    `json:"lines,omitempty"`

	// send / send_stream
	TSStart            string    `json:"ts_start,omitempty"`
	TSEnd              string    `json:"ts_end,omitempty"`
	PrecedingBufferSeq int64     `json:"preceding_buffer_seq,omitempty"`
	ParsedResponse     *Response `json:"response,omitempty"`

	// send_stream
	FinalBuffer string `json:"final_buffer,omitempty"`
	Parser      string `json:"parser,omitempty"`

	// close
	Reason string `json:"reason,omitempty"`
}
