package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crosspost/internal/content"
	"crosspost/internal/dispatch"
	logx "crosspost/pkg/logx"
)

const defaultBlueskyService = "https://bsky.social"

// Bluesky posts app.bsky.feed.post records over XRPC with an app password
// session.
type Bluesky struct {
	service string
	client  *http.Client
	now     func() time.Time
	log     logx.Logger
}

func NewBluesky(cfg Config) *Bluesky {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bluesky{
		service: trimBase(cfg.BlueskyService, defaultBlueskyService),
		client:  httpClient(cfg.HTTPClient),
		now:     time.Now,
		log:     log.With(logx.String("comp", "publisher.bluesky")),
	}
}

func (b *Bluesky) Platform() content.Platform { return content.PlatformBluesky }

type bskySession struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
	Handle    string `json:"handle"`
}

type bskyRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type bskyReply struct {
	Root   bskyRef `json:"root"`
	Parent bskyRef `json:"parent"`
}

type bskyImage struct {
	Image json.RawMessage `json:"image"`
	Alt   string          `json:"alt"`
}

type bskyEmbed struct {
	Type   string          `json:"$type"`
	Images []bskyImage     `json:"images,omitempty"`
	Video  json.RawMessage `json:"video,omitempty"`
	Alt    string          `json:"alt,omitempty"`
}

type bskyPost struct {
	Type      string     `json:"$type"`
	Text      string     `json:"text"`
	CreatedAt string     `json:"createdAt"`
	Reply     *bskyReply `json:"reply,omitempty"`
	Embed     *bskyEmbed `json:"embed,omitempty"`
}

type bskyCreateRecord struct {
	Repo       string   `json:"repo"`
	Collection string   `json:"collection"`
	Record     bskyPost `json:"record"`
}

func (b *Bluesky) Publish(ctx context.Context, creds content.Credentials, segments []content.Segment) (dispatch.Receipt, error) {
	c, ok := creds.(content.BlueskyCredentials)
	if !ok {
		return dispatch.Receipt{}, fmt.Errorf("bluesky: unexpected credentials %T", creds)
	}
	service := b.service
	if strings.TrimSpace(c.Service) != "" {
		service = trimBase(c.Service, defaultBlueskyService)
	}

	var sess bskySession
	if _, err := callJSON(ctx, b.client, "bluesky", http.MethodPost, service+"/xrpc/com.atproto.server.createSession",
		map[string]string{"identifier": c.Identifier, "password": c.AppPassword}, nil, &sess); err != nil {
		return dispatch.Receipt{}, err
	}
	auth := http.Header{"Authorization": []string{"Bearer " + sess.AccessJwt}}
	b.log.Debug("session created",
		logx.String("service", service),
		logx.String("did", sess.Did),
		logx.Secret("access_jwt", sess.AccessJwt),
	)

	var (
		first dispatch.Receipt
		root  *bskyRef
		prev  *bskyRef
	)
	for i, seg := range segments {
		embed, err := b.embed(ctx, service, auth, seg.Media)
		if err != nil {
			return dispatch.Receipt{}, fmt.Errorf("segment %d: %w", i+1, err)
		}
		post := bskyPost{
			Type:      "app.bsky.feed.post",
			Text:      seg.Text,
			CreatedAt: b.now().UTC().Format(time.RFC3339Nano),
			Embed:     embed,
		}
		if prev != nil {
			post.Reply = &bskyReply{Root: *root, Parent: *prev}
		}

		var ref bskyRef
		raw, err := callJSON(ctx, b.client, "bluesky", http.MethodPost, service+"/xrpc/com.atproto.repo.createRecord",
			bskyCreateRecord{Repo: sess.Did, Collection: "app.bsky.feed.post", Record: post}, auth, &ref)
		if err != nil {
			return dispatch.Receipt{}, fmt.Errorf("segment %d: %w", i+1, err)
		}
		if ref.URI == "" || ref.CID == "" {
			return dispatch.Receipt{}, fmt.Errorf("bluesky: segment %d: createRecord response has no uri/cid", i+1)
		}
		if i == 0 {
			root = &ref
			first = dispatch.Receipt{ExternalID: ref.URI, URL: postURL(sess.Handle, ref.URI), Raw: raw}
		}
		prev = &ref
		b.log.Debug("post created", logx.Int("segment", i+1), logx.String("uri", ref.URI))
	}
	return first, nil
}

func (b *Bluesky) embed(ctx context.Context, service string, auth http.Header, media []content.MediaItem) (*bskyEmbed, error) {
	if len(media) == 0 {
		return nil, nil
	}
	blobs := make([]json.RawMessage, 0, len(media))
	for _, m := range media {
		var out struct {
			Blob json.RawMessage `json:"blob"`
		}
		if _, err := call(ctx, b.client, "bluesky", http.MethodPost, service+"/xrpc/com.atproto.repo.uploadBlob",
			bytes.NewReader(m.Data), m.MimeType, auth, &out); err != nil {
			return nil, err
		}
		if len(out.Blob) == 0 {
			return nil, fmt.Errorf("bluesky: uploadBlob response has no blob")
		}
		blobs = append(blobs, out.Blob)
	}

	if media[0].Kind() == content.MediaVideo {
		return &bskyEmbed{Type: "app.bsky.embed.video", Video: blobs[0], Alt: media[0].AltText}, nil
	}
	e := &bskyEmbed{Type: "app.bsky.embed.images"}
	for i, blob := range blobs {
		e.Images = append(e.Images, bskyImage{Image: blob, Alt: media[i].AltText})
	}
	return e, nil
}

// postURL maps at://did/app.bsky.feed.post/<rkey> to the web URL.
func postURL(handle, uri string) string {
	i := strings.LastIndex(uri, "/")
	if handle == "" || i < 0 || i == len(uri)-1 {
		return ""
	}
	return "https://bsky.app/profile/" + handle + "/post/" + uri[i+1:]
}
