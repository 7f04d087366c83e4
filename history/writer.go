package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
	"github.com/nervehq/nerve/parser"
)

// DefaultBaseDir is the history root under the working directory.
const DefaultBaseDir = ".nerve/history"

// Writer appends entries to one node's JSONL file. Creation fails hard
// (HistoryError) so the caller can decide to proceed without history;
// every append after that is fail-soft: a failed write logs a warning
// and returns seq 0, never an error.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	seq    int64
	closed bool
}

// Path computes the log file location for a node. Both names must
// already be validated.
func Path(baseDir, serverName, nodeID string) string {
	return filepath.Join(baseDir, serverName, nodeID+".jsonl")
}

// NewWriter opens (or creates) the log for nodeID under
// baseDir/serverName. If the file exists, the sequence counter resumes
// from the highest seq found; malformed lines are skipped.
func NewWriter(ctx context.Context, baseDir, serverName, nodeID string) (*Writer, error) {
	for _, name := range []string{serverName, nodeID} {
		if err := fileutil.ValidateSafeName(name); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalid, err)
		}
	}

	dir := filepath.Join(baseDir, serverName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", core.ErrHistory, dir, err)
	}

	path := Path(baseDir, serverName, nodeID)
	maxSeq := int64(0)
	if fileutil.FileExists(path) {
		maxSeq = recoverMaxSeq(ctx, path)
	}

	file, err := fileutil.OpenOrCreateFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", core.ErrHistory, path, err)
	}

	return &Writer{path: path, file: file, seq: maxSeq}, nil
}

// recoverMaxSeq scans an existing log and returns the highest seq,
// skipping malformed lines.
func recoverMaxSeq(ctx context.Context, path string) int64 {
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		logger.Warn(ctx, "history recovery open failed", tag.File(path), tag.Error(err))
		return 0
	}
	defer func() { _ = file.Close() }()

	var maxSeq int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logger.Warn(ctx, "skipping malformed history line", tag.File(path), tag.Error(err))
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq
}

// Path returns the log file location.
func (w *Writer) Path() string { return w.path }

// Seq returns the last assigned sequence number.
func (w *Writer) Seq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// append assigns the next seq, writes one line, and flushes. Returns 0
// on any failure.
func (w *Writer) append(ctx context.Context, e Entry) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		logger.Warn(ctx, "history write after close", tag.File(w.path), tag.Op(string(e.Op)))
		return 0
	}

	e.Seq = w.seq + 1
	line, err := json.Marshal(e)
	if err != nil {
		logger.Warn(ctx, "history marshal failed", tag.File(w.path), tag.Op(string(e.Op)), tag.Error(err))
		return 0
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		logger.Warn(ctx, "history write failed", tag.File(w.path), tag.Op(string(e.Op)), tag.Error(err))
		return 0
	}
	_ = w.file.Sync()
	w.seq = e.Seq
	return e.Seq
}

// LogRun records a command submission.
func (w *Writer) LogRun(ctx context.Context, input string) int64 {
	return w.append(ctx, Entry{Op: OpRun, TS: now(), Input: input})
}

// LogWrite records a raw byte write.
func (w *Writer) LogWrite(ctx context.Context, input string) int64 {
	return w.append(ctx, Entry{Op: OpWrite, TS: now(), Input: input})
}

// LogRead records a buffer snapshot.
func (w *Writer) LogRead(ctx context.Context, buffer string, lines int) int64 {
	return w.append(ctx, Entry{Op: OpRead, TS: now(), Buffer: buffer, Lines: lines})
}

// LogSend records a completed send/response exchange.
func (w *Writer) LogSend(ctx context.Context, input string, start, end time.Time, precedingSeq int64, resp *parser.ParsedResponse) int64 {
	e := Entry{
		Op:                 OpSend,
		TSStart:            stamp(start),
		TSEnd:              stamp(end),
		Input:              input,
		PrecedingBufferSeq: precedingSeq,
	}
	if resp != nil {
		e.ParsedResponse = &Response{
			Sections:   resp.Sections,
			Tokens:     resp.Tokens,
			IsComplete: resp.IsComplete,
			IsReady:    resp.IsReady,
		}
	}
	return w.append(ctx, e)
}

// LogSendStream records a completed streaming send. Individual chunks
// are never persisted; only the final buffer tail is.
func (w *Writer) LogSendStream(ctx context.Context, input string, start, end time.Time, precedingSeq int64, finalBuffer string, parserKind string) int64 {
	return w.append(ctx, Entry{
		Op:                 OpSendStream,
		TSStart:            stamp(start),
		TSEnd:              stamp(end),
		Input:              input,
		PrecedingBufferSeq: precedingSeq,
		FinalBuffer:        finalBuffer,
		Parser:             parserKind,
	})
}

// LogInterrupt records an interrupt signal.
func (w *Writer) LogInterrupt(ctx context.Context) int64 {
	return w.append(ctx, Entry{Op: OpInterrupt, TS: now()})
}

// LogClose records node shutdown.
func (w *Writer) LogClose(ctx context.Context, reason string) int64 {
	return w.append(ctx, Entry{Op: OpClose, TS: now(), Reason: reason})
}

// Close releases the file. Idempotent; writes after Close return 0.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

func now() string { return stamp(time.Now()) }

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
