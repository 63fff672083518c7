package runlog_test

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelci/pixelci/internal/runlog"
)

var timestampedLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z `)

func TestWriter_LineAppendsTimestamped(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")

	w, err := runlog.Open(dir, runlog.KindBuild)
	require.NoError(t, err)

	w.Line("npm ci started")
	w.Line("exit code %d", 0)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Regexp(t, timestampedLine, line)
	}
	assert.Contains(t, lines[0], "npm ci started")
	assert.Contains(t, lines[1], "exit code 0")
}

func TestWriter_PathNamesKind(t *testing.T) {
	dir := t.TempDir()

	w, err := runlog.Open(dir, runlog.KindNetwork)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, filepath.Join(dir, "network.log"), w.Path())
}

func TestWriter_TeedChunksSplitIntoLines(t *testing.T) {
	dir := t.TempDir()

	w, err := runlog.Open(dir, runlog.KindRuntime)
	require.NoError(t, err)

	_, err = w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("line\ntrailing fragment"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "first line")
	assert.Contains(t, lines[1], "second line")
	assert.Contains(t, lines[2], "trailing fragment", "fragment is flushed on close")
}

func TestWriter_AppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	w, err := runlog.Open(dir, runlog.KindBuild)
	require.NoError(t, err)
	w.Line("first")
	require.NoError(t, w.Close())

	w, err = runlog.Open(dir, runlog.KindBuild)
	require.NoError(t, err)
	w.Line("second")
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}
