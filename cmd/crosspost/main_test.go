package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/apperr"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{"logging":{"level":"error"},"storage":{"path":%q},"scheduler":{"media_dir":%q}}`,
		filepath.Join(dir, "jobs.json"), filepath.Join(dir, "media"))
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o600))
	return p
}

func TestJobsCounts(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, "--config", cfg, "--env-file", "", "jobs", "--counts")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled")
	assert.Contains(t, out, "cancelled")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 6)
}

func TestCancelUnknownJob(t *testing.T) {
	cfg := testConfig(t)
	_, err := run(t, "--config", cfg, "--env-file", "", "cancel", "missing")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
}

func TestScheduleWithoutKeyFails(t *testing.T) {
	cfg := testConfig(t)
	req := filepath.Join(filepath.Dir(cfg), "req.json")
	require.NoError(t, os.WriteFile(req, []byte(`{"targets":{"x":{"consumerKey":"ck","consumerSecret":"cs","accessToken":"at","accessSecret":"as"}},"text":"hi"}`), 0o600))
	_, err := run(t, "--config", cfg, "--env-file", "", "schedule", "--at", "2999-01-01T00:00:00Z", "--file", req)
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestFileStoreInUseConflicts(t *testing.T) {
	cfg := testConfig(t)
	held, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(filepath.Dir(cfg), "jobs.json")}, logx.Nop())
	require.NoError(t, err)
	defer held.Close()

	_, err = run(t, "--config", cfg, "--env-file", "", "cancel", "some-job")
	require.Error(t, err)
	assert.Equal(t, 4, exitCode(err))
	assert.Contains(t, err.Error(), "sqlite")
}

func TestScheduleRequiresAt(t *testing.T) {
	_, err := run(t, "--config", testConfig(t), "schedule")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(apperr.Validation("bad")))
	assert.Equal(t, 2, exitCode(apperr.InvalidSchedule("past")))
	assert.Equal(t, 4, exitCode(apperr.Conflict("busy")))
	assert.Equal(t, 5, exitCode(apperr.Upstream(assert.AnError, "down")))
	assert.Equal(t, 1, exitCode(assert.AnError))
}
