package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
)

// maxLineBytes bounds a single history line; send entries embed buffer
// tails, which stay far below this.
const maxLineBytes = 8 * 1024 * 1024

// readCache avoids re-parsing a log file that has not changed between
// consecutive GET_HISTORY commands.
var readCache = fileutil.NewCache[[]Entry]("history", 64, 5*time.Minute)

// Reader provides offline access to one node's log file.
type Reader struct {
	path string
}

// NewReader returns a reader over the log file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// GetAll returns every well-formed entry in file order. Malformed lines
// are skipped with a warning.
func (r *Reader) GetAll(ctx context.Context) ([]Entry, error) {
	return readCache.LoadLatest(r.path, func() ([]Entry, error) {
		return r.load(ctx)
	})
}

func (r *Reader) load(ctx context.Context) ([]Entry, error) {
	file, err := os.Open(r.path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("history file %s: %w", r.path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: open %s: %v", core.ErrHistory, r.path, err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warn(ctx, "skipping malformed history line", tag.File(r.path), tag.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", core.ErrHistory, r.path, err)
	}
	return entries, nil
}

// GetLast returns the last n entries.
func (r *Reader) GetLast(ctx context.Context, n int) ([]Entry, error) {
	entries, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// GetByOp returns the entries with the given operation kind.
func (r *Reader) GetByOp(ctx context.Context, op Op) ([]Entry, error) {
	entries, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Op == op {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetBySeq returns the entry with the given sequence number.
func (r *Reader) GetBySeq(ctx context.Context, seq int64) (*Entry, error) {
	entries, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Seq == seq {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("history seq %d: %w", seq, core.ErrNotFound)
}

// GetInputsOnly returns the entries that carried input to the node:
// send, send_stream, write, and run.
func (r *Reader) GetInputsOnly(ctx context.Context) ([]Entry, error) {
	entries, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if _, ok := inputOps[e.Op]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
