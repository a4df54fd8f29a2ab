package publisher

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dghubble/oauth1"

	"crosspost/internal/content"
	"crosspost/internal/dispatch"
	logx "crosspost/pkg/logx"
)

const (
	defaultXAPIBase    = "https://api.twitter.com"
	defaultXUploadBase = "https://upload.twitter.com"
)

// X posts through the v2 tweets endpoint with OAuth 1.0a user context.
// Media use the v1.1 simple upload.
type X struct {
	apiBase    string
	uploadBase string
	base       *http.Client
	log        logx.Logger
}

func NewX(cfg Config) *X {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &X{
		apiBase:    trimBase(cfg.XAPIBase, defaultXAPIBase),
		uploadBase: trimBase(cfg.XUploadBase, defaultXUploadBase),
		base:       httpClient(cfg.HTTPClient),
		log:        log.With(logx.String("comp", "publisher.x")),
	}
}

func (x *X) Platform() content.Platform { return content.PlatformX }

type xTweetRequest struct {
	Text  string       `json:"text"`
	Media *xTweetMedia `json:"media,omitempty"`
	Reply *xTweetReply `json:"reply,omitempty"`
}

type xTweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type xTweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type xTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type xUploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

func (x *X) Publish(ctx context.Context, creds content.Credentials, segments []content.Segment) (dispatch.Receipt, error) {
	c, ok := creds.(content.XCredentials)
	if !ok {
		return dispatch.Receipt{}, fmt.Errorf("x: unexpected credentials %T", creds)
	}
	cfg := oauth1.NewConfig(c.ConsumerKey, c.ConsumerSecret)
	client := cfg.Client(context.WithValue(ctx, oauth1.HTTPClient, x.base), oauth1.NewToken(c.AccessToken, c.AccessSecret))

	var first dispatch.Receipt
	prev := ""
	for i, seg := range segments {
		mediaIDs := make([]string, 0, len(seg.Media))
		for _, m := range seg.Media {
			id, err := x.upload(ctx, client, m)
			if err != nil {
				return dispatch.Receipt{}, fmt.Errorf("segment %d: %w", i+1, err)
			}
			mediaIDs = append(mediaIDs, id)
		}

		body := xTweetRequest{Text: seg.Text}
		if len(mediaIDs) > 0 {
			body.Media = &xTweetMedia{MediaIDs: mediaIDs}
		}
		if prev != "" {
			body.Reply = &xTweetReply{InReplyToTweetID: prev}
		}
		var out xTweetResponse
		raw, err := callJSON(ctx, client, "x", http.MethodPost, x.apiBase+"/2/tweets", body, nil, &out)
		if err != nil {
			return dispatch.Receipt{}, fmt.Errorf("segment %d: %w", i+1, err)
		}
		if out.Data.ID == "" {
			return dispatch.Receipt{}, fmt.Errorf("x: segment %d: response has no tweet id", i+1)
		}
		if i == 0 {
			first = dispatch.Receipt{
				ExternalID: out.Data.ID,
				URL:        "https://x.com/i/web/status/" + out.Data.ID,
				Raw:        raw,
			}
		}
		prev = out.Data.ID
		x.log.Debug("tweet posted", logx.Int("segment", i+1), logx.String("id", out.Data.ID))
	}
	return first, nil
}

func (x *X) upload(ctx context.Context, client *http.Client, m content.MediaItem) (string, error) {
	body, ctype, err := multipartFile("media", m.FileName, m.MimeType, m.Data, nil)
	if err != nil {
		return "", err
	}
	var out xUploadResponse
	if _, err := call(ctx, client, "x", http.MethodPost, x.uploadBase+"/1.1/media/upload.json", body, ctype, nil, &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", fmt.Errorf("x: upload response has no media id")
	}
	if m.AltText != "" {
		meta := map[string]any{
			"media_id": out.MediaIDString,
			"alt_text": map[string]string{"text": m.AltText},
		}
		if _, err := callJSON(ctx, client, "x", http.MethodPost, x.uploadBase+"/1.1/media/metadata/create.json", meta, nil, nil); err != nil {
			return "", err
		}
	}
	return out.MediaIDString, nil
}
