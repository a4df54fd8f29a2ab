package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/apperr"
	"crosspost/internal/content"
	"crosspost/internal/storage"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeX answers the tweet endpoint and counts posts.
func fakeX(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" {
			http.NotFound(w, r)
			return
		}
		n := posts.Add(1)
		_, _ = io.WriteString(w, `{"data":{"id":"`+string(rune('0'+n))+`","text":"x"}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &posts
}

func newTestApp(t *testing.T, apiBase string, clk *clock, extra ...string) *App {
	t.Helper()
	dir := t.TempDir()
	more := ""
	for _, e := range extra {
		more += ",\n" + e
	}
	cfg := `{
		"logging": {"level": "error"},
		"storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "jobs.json")) + `"},
		"scheduler": {"enabled": false, "media_dir": "` + filepath.ToSlash(filepath.Join(dir, "media")) + `"},
		"crypto": {"key": "` + testKey + `"},
		"publishers": {"x": {"api_base": "` + apiBase + `", "upload_base": "` + apiBase + `"}}` + more + `
	}`
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o600))

	a, err := New(context.Background(), p, WithClock(clk.Now), WithEnvFile(filepath.Join(dir, "missing.env")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

const xRequest = `{
	"targets": {"x": {"consumerKey": "ck", "consumerSecret": "cs", "accessToken": "at", "accessSecret": "as"}},
	"text": "hello"
}`

func TestPublishImmediately(t *testing.T) {
	srv, posts := fakeX(t)
	a := newTestApp(t, srv.URL, &clock{t: time.Now()})

	out, err := a.Publish(context.Background(), strings.NewReader(xRequest))
	require.NoError(t, err)
	assert.Equal(t, content.OverallSuccess, out.Overall)
	require.Contains(t, out.Deliveries, content.PlatformX)
	assert.True(t, out.Deliveries[content.PlatformX].OK)
	assert.Equal(t, int32(1), posts.Load())
}

func TestPublishRejectsBadBody(t *testing.T) {
	srv, posts := fakeX(t)
	a := newTestApp(t, srv.URL, &clock{t: time.Now()})

	_, err := a.Publish(context.Background(), strings.NewReader(`{"targets":{},"text":"a","thread":[{"text":"b"}]}`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, posts.Load())
}

func TestScheduleCancelLifecycle(t *testing.T) {
	srv, _ := fakeX(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, srv.URL, clk)
	ctx := context.Background()

	job, err := a.Schedule(ctx, "2026-03-01T13:00:00Z", strings.NewReader(xRequest))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, job.Status)

	jobs, err := a.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	got, err := a.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunAt, got.RunAt)

	cancelled, err := a.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, cancelled.Status)

	_, err = a.Cancel(ctx, job.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = a.Job(ctx, "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[storage.StatusCancelled])
	assert.Equal(t, 0, counts[storage.StatusScheduled])
}

func TestScheduleInPastRejected(t *testing.T) {
	srv, _ := fakeX(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, srv.URL, clk)

	_, err := a.Schedule(context.Background(), "2026-03-01T11:00:00Z", strings.NewReader(xRequest))
	assert.Equal(t, apperr.KindInvalidSchedule, apperr.KindOf(err))
}

func TestRunDuePublishesScheduledJob(t *testing.T) {
	srv, posts := fakeX(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, srv.URL, clk)
	ctx := context.Background()

	job, err := a.Schedule(ctx, "2026-03-01T12:00:01Z", strings.NewReader(xRequest))
	require.NoError(t, err)

	res := a.RunDue(ctx)
	assert.Zero(t, res.Due)

	clk.Advance(time.Minute)
	res = a.RunDue(ctx)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, int32(1), posts.Load())

	got, err := a.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.True(t, got.Deliveries[content.PlatformX].OK)
}

func TestStartStop(t *testing.T) {
	srv, _ := fakeX(t)
	a := newTestApp(t, srv.URL, &clock{t: time.Now()})

	require.NoError(t, a.Start(context.Background()))
	select {
	case <-a.Done():
		t.Fatal("app stopped early")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(ctx, StopAppStop))
	<-a.Done()
	assert.NoError(t, a.Err())
}

func TestDebugHealthz(t *testing.T) {
	srv, _ := fakeX(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, srv.URL, clk, `"debug": {"enabled": true, "addr": "127.0.0.1:0"}`)
	_, err := a.Schedule(context.Background(), "2026-03-01T13:00:00Z", strings.NewReader(xRequest))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	addr := a.debug.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string         `json:"status"`
		Jobs   map[string]int `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Jobs[string(storage.StatusScheduled)])
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown driver": `{"storage":{"driver":"redis"}}`,
		"bad key":        `{"crypto":{"key":"short"}}`,
		"bad platform":   `{"dispatch":{"rate_limits":{"myspace":{"per_sec":1}}}}`,
		"bad duration":   `{"dispatch":{"publish_timeout":"later"}}`,
		"public debug":   `{"debug":{"enabled":true,"addr":"0.0.0.0:6060"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
			require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
			_, err := New(context.Background(), p)
			assert.Error(t, err)
		})
	}
}
