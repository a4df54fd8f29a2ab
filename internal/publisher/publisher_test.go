package publisher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/content"
)

type recorded struct {
	Path        string
	Auth        string
	ContentType string
	Body        []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []recorded
}

func (r *recorder) add(req *http.Request) recorded {
	b, _ := io.ReadAll(req.Body)
	rec := recorded{Path: req.URL.Path, Auth: req.Header.Get("Authorization"), ContentType: req.Header.Get("Content-Type"), Body: b}
	r.mu.Lock()
	r.reqs = append(r.reqs, rec)
	r.mu.Unlock()
	return rec
}

func (r *recorder) byPath(path string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, q := range r.reqs {
		if q.Path == path {
			out = append(out, q)
		}
	}
	return out
}

func TestXPublishesThread(t *testing.T) {
	rec := &recorder{}
	tweet := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		switch r.URL.Path {
		case "/1.1/media/upload.json":
			_, _ = io.WriteString(w, `{"media_id":1,"media_id_string":"m1"}`)
		case "/1.1/media/metadata/create.json":
			w.WriteHeader(http.StatusOK)
		case "/2/tweets":
			tweet++
			_, _ = io.WriteString(w, `{"data":{"id":"t`+string(rune('0'+tweet))+`","text":"x"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	x := NewX(Config{XAPIBase: srv.URL, XUploadBase: srv.URL})
	creds := content.XCredentials{ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"}
	rc, err := x.Publish(context.Background(), creds, []content.Segment{
		{Text: "first", Media: []content.MediaItem{{Data: []byte("img"), FileName: "a.png", MimeType: "image/png", AltText: "alt"}}},
		{Text: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", rc.ExternalID)
	assert.Equal(t, "https://x.com/i/web/status/t1", rc.URL)
	assert.JSONEq(t, `{"data":{"id":"t1","text":"x"}}`, string(rc.Raw))

	tweets := rec.byPath("/2/tweets")
	require.Len(t, tweets, 2)
	for _, q := range tweets {
		assert.True(t, strings.HasPrefix(q.Auth, "OAuth "), q.Auth)
		assert.Contains(t, q.Auth, `oauth_consumer_key="ck"`)
	}

	var firstBody, secondBody map[string]any
	require.NoError(t, json.Unmarshal(tweets[0].Body, &firstBody))
	require.NoError(t, json.Unmarshal(tweets[1].Body, &secondBody))
	assert.Equal(t, map[string]any{"media_ids": []any{"m1"}}, firstBody["media"])
	assert.Nil(t, firstBody["reply"])
	assert.Equal(t, map[string]any{"in_reply_to_tweet_id": "t1"}, secondBody["reply"])

	meta := rec.byPath("/1.1/media/metadata/create.json")
	require.Len(t, meta, 1)
	assert.Contains(t, string(meta[0].Body), `"text":"alt"`)
}

func TestXErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"detail":"You are not permitted to perform this action."}`)
	}))
	defer srv.Close()

	_, err := NewX(Config{XAPIBase: srv.URL}).Publish(context.Background(), content.XCredentials{}, []content.Segment{{Text: "a"}})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Contains(t, err.Error(), "not permitted")
}

func TestWrongCredentialType(t *testing.T) {
	for _, p := range All(Config{}) {
		_, err := p.Publish(context.Background(), nil, []content.Segment{{Text: "a"}})
		assert.Error(t, err, p.Platform())
	}
}

func TestMastodonPublishesThread(t *testing.T) {
	rec := &recorder{}
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := rec.add(r)
		switch r.URL.Path {
		case "/api/v2/media":
			assert.True(t, strings.HasPrefix(q.ContentType, "multipart/form-data"))
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"id":"att1","type":"image"}`)
		case "/api/v1/statuses":
			n++
			id := []string{"", "s1", "s2"}[n]
			_, _ = io.WriteString(w, `{"id":"`+id+`","url":"https://m.example/@me/`+id+`"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	creds := content.MastodonCredentials{InstanceURL: srv.URL + "/", AccessToken: "tok"}
	rc, err := NewMastodon(Config{}).Publish(context.Background(), creds, []content.Segment{
		{Text: "one", Media: []content.MediaItem{{Data: []byte("img"), FileName: "a.png", MimeType: "image/png", AltText: "described"}}},
		{Text: "two"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", rc.ExternalID)
	assert.Equal(t, "https://m.example/@me/s1", rc.URL)

	media := rec.byPath("/api/v2/media")
	require.Len(t, media, 1)
	assert.Equal(t, "Bearer tok", media[0].Auth)
	assert.Contains(t, string(media[0].Body), "described")

	statuses := rec.byPath("/api/v1/statuses")
	require.Len(t, statuses, 2)
	var first, second mastodonStatusRequest
	require.NoError(t, json.Unmarshal(statuses[0].Body, &first))
	require.NoError(t, json.Unmarshal(statuses[1].Body, &second))
	assert.Equal(t, []string{"att1"}, first.MediaIDs)
	assert.Empty(t, first.InReplyToID)
	assert.Equal(t, "s1", second.InReplyToID)
	assert.Equal(t, "Bearer tok", statuses[1].Auth)
}

func TestBlueskyPublishesThread(t *testing.T) {
	rec := &recorder{}
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			_, _ = io.WriteString(w, `{"accessJwt":"jwt","did":"did:plc:me","handle":"me.bsky.social"}`)
		case "/xrpc/com.atproto.repo.uploadBlob":
			_, _ = io.WriteString(w, `{"blob":{"$type":"blob","ref":{"$link":"bafy"},"mimeType":"video/mp4","size":3}}`)
		case "/xrpc/com.atproto.repo.createRecord":
			n++
			rkey := []string{"", "aaa", "bbb"}[n]
			_, _ = io.WriteString(w, `{"uri":"at://did:plc:me/app.bsky.feed.post/`+rkey+`","cid":"cid-`+rkey+`"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewBluesky(Config{BlueskyService: "https://unused.example"})
	creds := content.BlueskyCredentials{Identifier: "me.bsky.social", AppPassword: "pw", Service: srv.URL}
	rc, err := b.Publish(context.Background(), creds, []content.Segment{
		{Text: "one"},
		{Text: "two", Media: []content.MediaItem{{Data: []byte("vid"), FileName: "v.mp4", MimeType: "video/mp4", AltText: "clip"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:me/app.bsky.feed.post/aaa", rc.ExternalID)
	assert.Equal(t, "https://bsky.app/profile/me.bsky.social/post/aaa", rc.URL)

	uploads := rec.byPath("/xrpc/com.atproto.repo.uploadBlob")
	require.Len(t, uploads, 1)
	assert.Equal(t, "Bearer jwt", uploads[0].Auth)
	assert.Equal(t, "video/mp4", uploads[0].ContentType)

	records := rec.byPath("/xrpc/com.atproto.repo.createRecord")
	require.Len(t, records, 2)
	var second bskyCreateRecord
	require.NoError(t, json.Unmarshal(records[1].Body, &second))
	assert.Equal(t, "did:plc:me", second.Repo)
	require.NotNil(t, second.Record.Reply)
	assert.Equal(t, "cid-aaa", second.Record.Reply.Root.CID)
	assert.Equal(t, "cid-aaa", second.Record.Reply.Parent.CID)
	require.NotNil(t, second.Record.Embed)
	assert.Equal(t, "app.bsky.embed.video", second.Record.Embed.Type)
	assert.Equal(t, "clip", second.Record.Embed.Alt)
}

func TestBlueskySessionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"AuthenticationRequired","message":"Invalid identifier or password"}`)
	}))
	defer srv.Close()

	_, err := NewBluesky(Config{BlueskyService: srv.URL}).Publish(context.Background(),
		content.BlueskyCredentials{Identifier: "me", AppPassword: "bad"}, []content.Segment{{Text: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Invalid identifier or password")
}

func TestPostURL(t *testing.T) {
	assert.Equal(t, "https://bsky.app/profile/h/post/k", postURL("h", "at://did/app.bsky.feed.post/k"))
	assert.Empty(t, postURL("", "at://did/app.bsky.feed.post/k"))
	assert.Empty(t, postURL("h", "at://did/"))
}
