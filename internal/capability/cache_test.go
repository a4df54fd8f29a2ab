package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/apperr"
)

const instanceBody = `{
	"domain": "m.example",
	"configuration": {
		"statuses": {"max_characters": 500, "max_media_attachments": 4, "characters_reserved_per_url": 23},
		"media_attachments": {"supported_mime_types": ["image/png","video/mp4"], "image_size_limit": 16777216, "video_size_limit": 103809024}
	}
}`

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newInstance(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var hits atomic.Int32
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/api/v2/instance" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &auth
}

func TestGetParsesLimits(t *testing.T) {
	srv, _, auth := newInstance(t, http.StatusOK, instanceBody)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache(WithClock(clock.now))

	got, err := c.Get(context.Background(), srv.URL+"/", "tok")
	require.NoError(t, err)

	assert.Equal(t, srv.URL, got.InstanceURL)
	assert.Equal(t, 500, got.MaxCharacters)
	assert.Equal(t, 4, got.MaxMediaAttachments)
	assert.Equal(t, 23, got.CharactersReservedPerURL)
	assert.Equal(t, []string{"image/png", "video/mp4"}, got.SupportedMimeTypes)
	assert.Equal(t, int64(16777216), got.ImageSizeLimit)
	assert.Equal(t, clock.t, got.FetchedAt)
	assert.Equal(t, "Bearer tok", auth.Load())
}

func TestGetServesFreshEntryWithoutNetwork(t *testing.T) {
	srv, hits, _ := newInstance(t, http.StatusOK, instanceBody)
	clock := &fakeClock{t: time.Now()}
	c := NewCache(WithClock(clock.now))
	ctx := context.Background()

	_, err := c.Get(ctx, srv.URL, "")
	require.NoError(t, err)
	clock.advance(4 * time.Minute)
	// trailing slash normalizes to the same key
	_, err = c.Get(ctx, srv.URL+"/", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	clock.advance(time.Minute)
	_, err = c.Get(ctx, srv.URL, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "entry older than the TTL must be refetched")
}

func TestGetInvalidResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non-2xx", http.StatusServiceUnavailable, `{}`},
		{"malformed json", http.StatusOK, `{"configuration":`},
		{"missing limits", http.StatusOK, `{"configuration":{"statuses":{"max_characters":500}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newInstance(t, tt.status, tt.body)
			_, err := NewCache().Get(context.Background(), srv.URL, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidResponse)
			assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
		})
	}
}

func TestGetUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewCache().Get(context.Background(), url, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
}

func TestFailedFetchDoesNotPoisonCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(instanceBody))
	}))
	t.Cleanup(srv.Close)

	clock := &fakeClock{t: time.Now()}
	c := NewCache(WithClock(clock.now), WithTTL(time.Minute))
	_, err := c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)

	fail.Store(true)
	clock.advance(2 * time.Minute)
	_, err = c.Get(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrInvalidResponse)

	fail.Store(false)
	got, err := c.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, clock.t, got.FetchedAt)
}
