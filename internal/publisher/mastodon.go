package publisher

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"crosspost/internal/capability"
	"crosspost/internal/content"
	"crosspost/internal/dispatch"
	logx "crosspost/pkg/logx"
)

// Mastodon posts statuses with a bearer access token.
type Mastodon struct {
	base *http.Client
	log  logx.Logger
}

func NewMastodon(cfg Config) *Mastodon {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mastodon{
		base: httpClient(cfg.HTTPClient),
		log:  log.With(logx.String("comp", "publisher.mastodon")),
	}
}

func (m *Mastodon) Platform() content.Platform { return content.PlatformMastodon }

type mastodonStatusRequest struct {
	Status      string   `json:"status"`
	MediaIDs    []string `json:"media_ids,omitempty"`
	InReplyToID string   `json:"in_reply_to_id,omitempty"`
}

type mastodonStatus struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type mastodonAttachment struct {
	ID string `json:"id"`
}

func (m *Mastodon) Publish(ctx context.Context, creds content.Credentials, segments []content.Segment) (dispatch.Receipt, error) {
	c, ok := creds.(content.MastodonCredentials)
	if !ok {
		return dispatch.Receipt{}, fmt.Errorf("mastodon: unexpected credentials %T", creds)
	}
	instance := capability.NormalizeInstanceURL(c.InstanceURL)
	if instance == "" {
		return dispatch.Receipt{}, fmt.Errorf("mastodon: instanceUrl is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken, TokenType: "Bearer"})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, m.base), ts)

	var first dispatch.Receipt
	prev := ""
	for i, seg := range segments {
		mediaIDs := make([]string, 0, len(seg.Media))
		for _, item := range seg.Media {
			body, ctype, err := multipartFile("file", item.FileName, item.MimeType, item.Data, map[string]string{"description": item.AltText})
			if err != nil {
				return dispatch.Receipt{}, err
			}
			var att mastodonAttachment
			if _, err := call(ctx, client, "mastodon", http.MethodPost, instance+"/api/v2/media", body, ctype, nil, &att); err != nil {
				return dispatch.Receipt{}, fmt.Errorf("segment %d: %w", i+1, err)
			}
			if att.ID == "" {
				return dispatch.Receipt{}, fmt.Errorf("mastodon: segment %d: media response has no id", i+1)
			}
			mediaIDs = append(mediaIDs, att.ID)
		}

		var st mastodonStatus
		raw, err := callJSON(ctx, client, "mastodon", http.MethodPost, instance+"/api/v1/statuses",
			mastodonStatusRequest{Status: seg.Text, MediaIDs: mediaIDs, InReplyToID: prev}, nil, &st)
		if err != nil {
			return dispatch.Receipt{}, fmt.Errorf("segment %d: %w", i+1, err)
		}
		if st.ID == "" {
			return dispatch.Receipt{}, fmt.Errorf("mastodon: segment %d: status response has no id", i+1)
		}
		if i == 0 {
			first = dispatch.Receipt{ExternalID: st.ID, URL: st.URL, Raw: raw}
		}
		prev = st.ID
		m.log.Debug("status posted", logx.Int("segment", i+1), logx.String("id", st.ID))
	}
	return first, nil
}
