package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan string) []string {
	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	return lines
}

func TestLineWriterSplitsLines(t *testing.T) {
	w := NewLineWriter(10)
	_, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ond\nthird"))
	require.NoError(t, err)
	w.Close()

	assert.Equal(t, []string{"first", "second", "third"}, drain(w.Lines()))
}

func TestLineWriterDropsWhenFull(t *testing.T) {
	w := NewLineWriter(2)
	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), w.Dropped())
	w.Close()
	assert.Len(t, drain(w.Lines()), 2)
}

func TestLineWriterIgnoresWritesAfterClose(t *testing.T) {
	w := NewLineWriter(2)
	w.Close()
	w.Close()
	n, err := w.Write([]byte("late\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Empty(t, drain(w.Lines()))
}

func TestOutputWritesFileAndLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lift-sync.log")
	out := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})

	out.Logger.Printf("Coordinator: workout %s started", "s-1")
	require.NoError(t, out.Close())

	lines := drain(out.Lines())
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], "Coordinator: workout s-1 started"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Coordinator: workout s-1 started")
}

func TestOutputWithoutFile(t *testing.T) {
	out := New(Options{})
	out.Logger.Println("Store: opened")
	require.NoError(t, out.Close())
	assert.Len(t, drain(out.Lines()), 1)
}
