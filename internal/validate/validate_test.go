package validate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/apperr"
	"crosspost/internal/capability"
	"crosspost/internal/content"
)

type stubLimits struct {
	limits capability.MastodonLimits
	err    error
	calls  int
}

func (s *stubLimits) Get(_ context.Context, _, _ string) (capability.MastodonLimits, error) {
	s.calls++
	return s.limits, s.err
}

func xTargets() content.Targets {
	return content.Targets{X: &content.XCredentials{ConsumerKey: "k"}}
}

func bskyTargets() content.Targets {
	return content.Targets{Bluesky: &content.BlueskyCredentials{Identifier: "me"}}
}

func request(targets content.Targets, segments ...content.Segment) content.PublishRequest {
	return content.PublishRequest{Targets: targets, Segments: segments}
}

func images(n int) []content.MediaItem {
	out := make([]content.MediaItem, n)
	for i := range out {
		out[i] = content.MediaItem{Data: []byte{1}, MimeType: "image/png"}
	}
	return out
}

func TestStructuralRules(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	err := e.Validate(ctx, request(content.Targets{}, content.Segment{Text: "hi"}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = e.Validate(ctx, request(xTargets()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one segment")

	err = e.Validate(ctx, request(xTargets(), content.Segment{Text: "ok"}, content.Segment{Text: "   \n"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment 2 text must not be empty")
}

func TestXLength(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	require.NoError(t, e.Validate(ctx, request(xTargets(), content.Segment{Text: strings.Repeat("a", 280)})))

	err := e.Validate(ctx, request(xTargets(), content.Segment{Text: strings.Repeat("a", 281)}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "281")
	assert.Contains(t, err.Error(), "280")

	// 280 emoji are 280 code points even though they are 560 UTF-16 units.
	require.NoError(t, e.Validate(ctx, request(xTargets(), content.Segment{Text: strings.Repeat("🙂", 280)})))
	err = e.Validate(ctx, request(xTargets(), content.Segment{Text: strings.Repeat("🙂", 281)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "281 characters")
}

func TestBlueskyLength(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.Validate(context.Background(), request(bskyTargets(), content.Segment{Text: strings.Repeat("é", 300)})))
	err := e.Validate(context.Background(), request(bskyTargets(), content.Segment{Text: strings.Repeat("é", 301)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "301 characters; the limit is 300")
}

func TestBlueskyMedia(t *testing.T) {
	mp4 := content.MediaItem{Data: []byte{1}, MimeType: "video/mp4"}
	mov := content.MediaItem{Data: []byte{1}, MimeType: "video/quicktime"}
	upper := content.MediaItem{Data: []byte{1}, MimeType: "VIDEO/MP4 "}
	pdf := content.MediaItem{Data: []byte{1}, MimeType: "application/pdf"}

	tests := []struct {
		name  string
		media []content.MediaItem
		want  string
	}{
		{"no media", nil, ""},
		{"one image", images(1), ""},
		{"four images", images(4), ""},
		{"one mp4", []content.MediaItem{mp4}, ""},
		{"five images", images(5), "5 images"},
		{"two videos", []content.MediaItem{mp4, mp4}, "2 videos"},
		{"image and video", append(images(1), mp4), "cannot mix"},
		{"quicktime", []content.MediaItem{mov}, "must be video/mp4"},
		{"mp4 not exact", []content.MediaItem{upper}, "must be video/mp4"},
		{"other type", []content.MediaItem{pdf}, "unsupported media type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(nil).Validate(context.Background(), request(bskyTargets(), content.Segment{Text: "hi", Media: tt.media}))
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMediaRulesIgnoredWithoutBluesky(t *testing.T) {
	err := New(nil).Validate(context.Background(), request(xTargets(), content.Segment{Text: "hi", Media: images(6)}))
	assert.NoError(t, err)
}

func TestMastodonLimits(t *testing.T) {
	limits := &stubLimits{limits: capability.MastodonLimits{MaxCharacters: 10, MaxMediaAttachments: 2}}
	e := New(limits)
	targets := content.Targets{Mastodon: &content.MastodonCredentials{InstanceURL: "https://m.example", AccessToken: "t"}}
	ctx := context.Background()

	require.NoError(t, e.Validate(ctx, request(targets, content.Segment{Text: "0123456789", Media: images(2)})))

	err := e.Validate(ctx, request(targets, content.Segment{Text: "ok"}, content.Segment{Text: "01234567890"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mastodon segment 2 is 11 characters; the instance limit is 10")

	err = e.Validate(ctx, request(targets, content.Segment{Text: "ok", Media: images(3)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attachments")
	assert.Equal(t, 3, limits.calls)
}

func TestMastodonUpstreamFailureKeepsKind(t *testing.T) {
	cause := apperr.Upstream(capability.ErrUnreachable, "mastodon instance")
	e := New(&stubLimits{err: cause})
	targets := content.Targets{Mastodon: &content.MastodonCredentials{InstanceURL: "https://m.example"}}

	err := e.Validate(context.Background(), request(targets, content.Segment{Text: "hi"}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.True(t, errors.Is(err, capability.ErrUnreachable))
}
