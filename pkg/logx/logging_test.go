package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONOutputAndFields(t *testing.T) {
	var buf bytes.Buffer
	_, log := New(Config{Level: "debug", Format: FormatJSON}, WithOutput(&buf))

	log.With(String("comp", "scheduler")).Info("job done",
		Int("attempt", 2),
		Bytes("size", 1536),
		Secret("token", "abcdefghijkl"),
		Err(errors.New("boom")),
		Err(nil),
	)

	got := lines(t, buf.Bytes())
	require.Len(t, got, 1)
	m := got[0]
	assert.Equal(t, "job done", m["message"])
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, float64(2), m["attempt"])
	assert.Equal(t, "1.5 KiB", m["size"])
	assert.Equal(t, "***ijkl", m["token"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestApplySwapsLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "warn", Format: FormatJSON}, WithOutput(&buf))
	log.Info("hidden")
	require.Empty(t, buf.Bytes())

	require.NoError(t, svc.Apply(Config{Level: "info", Format: FormatJSON}))
	log.Info("shown")
	assert.Len(t, lines(t, buf.Bytes()), 1)
	assert.Equal(t, "info", svc.Config().Level)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crosspost.log")
	var buf bytes.Buffer
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: path}}, WithOutput(&buf))
	log.Info("to file")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, lines(t, b), 1)
	assert.Empty(t, buf.Bytes(), "stdout stays quiet unless console is on")
}

func TestFileSinkFailureFallsBackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var buf bytes.Buffer
	svc, _ := New(Config{Format: FormatJSON}, WithOutput(&buf))
	err := svc.Apply(Config{Format: FormatJSON, File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	require.Error(t, err)

	svc.Logger().Info("still here")
	assert.NotEmpty(t, buf.Bytes())
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.NotPanics(t, func() { zero.Info("dropped") })
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
	assert.True(t, ValidFormat("JSON"))
	assert.False(t, ValidFormat("xml"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "***", mask("short"))
	assert.Equal(t, "***7890", mask("1234567890"))
}
