package fileutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/fileutil"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "exists.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	assert.True(t, fileutil.FileExists(file))
	assert.False(t, fileutil.FileExists(filepath.Join(dir, "missing.txt")))
}

func TestOpenOrCreateFile(t *testing.T) {
	t.Run("CreatesWhenMissing", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "new.jsonl")
		f, err := fileutil.OpenOrCreateFile(file)
		require.NoError(t, err)
		defer func() { _ = f.Close() }()

		_, err = f.WriteString("line1\n")
		require.NoError(t, err)
		assert.True(t, fileutil.FileExists(file))
	})

	t.Run("AppendsWhenPresent", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "log.jsonl")
		require.NoError(t, os.WriteFile(file, []byte("a\n"), 0600))

		f, err := fileutil.OpenOrCreateFile(file)
		require.NoError(t, err)
		_, err = f.WriteString("b\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Equal(t, "a\nb\n", string(data))
	})
}

func TestValidateSafeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"Simple", "worker", true},
		{"WithHyphens", "my-node-1", true},
		{"Empty", "", false},
		{"Uppercase", "Worker", false},
		{"Underscore", "my_node", false},
		{"LeadingHyphen", "-node", false},
		{"TrailingHyphen", "node-", false},
		{"TooLong", strings.Repeat("a", fileutil.MaxSafeNameLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fileutil.ValidateSafeName(tt.input)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want string
	}{
		{"Empty", "", 5, ""},
		{"ZeroLines", "a\nb", 0, ""},
		{"FewerThanN", "a\nb", 5, "a\nb"},
		{"ExactlyN", "a\nb\nc", 3, "a\nb\nc"},
		{"MoreThanN", "a\nb\nc\nd", 2, "c\nd"},
		{"TrailingNewline", "a\nb\nc\n", 2, "b\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fileutil.TailLines(tt.text, tt.n))
		})
	}
}

func TestCache(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "entries.jsonl")
	require.NoError(t, os.WriteFile(file, []byte("one\n"), 0600))

	cache := fileutil.NewCache[[]string]("test", 8, time.Minute)

	loads := 0
	loader := func() ([]string, error) {
		loads++
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return []string{string(data)}, nil
	}

	got, err := cache.LoadLatest(file, loader)
	require.NoError(t, err)
	assert.Equal(t, []string{"one\n"}, got)
	assert.Equal(t, 1, loads)

	// Unchanged file is served from the cache.
	_, err = cache.LoadLatest(file, loader)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	// Appending grows the size, which invalidates the entry.
	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err = cache.LoadLatest(file, loader)
	require.NoError(t, err)
	assert.Equal(t, []string{"one\ntwo\n"}, got)
	assert.Equal(t, 2, loads)
	assert.Equal(t, 1, cache.Size())
}
