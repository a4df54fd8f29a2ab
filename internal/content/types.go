package content

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

type Platform string

const (
	PlatformX        Platform = "x"
	PlatformBluesky  Platform = "bluesky"
	PlatformMastodon Platform = "mastodon"
)

// Platforms lists every supported platform in canonical order.
var Platforms = []Platform{PlatformX, PlatformBluesky, PlatformMastodon}

// Credentials is implemented by each platform's credential record.
type Credentials interface {
	Platform() Platform
}

// XCredentials are OAuth 1.0a user-context keys.
type XCredentials struct {
	ConsumerKey    string `json:"consumerKey"`
	ConsumerSecret string `json:"consumerSecret"`
	AccessToken    string `json:"accessToken"`
	AccessSecret   string `json:"accessSecret"`
}

func (XCredentials) Platform() Platform { return PlatformX }

type BlueskyCredentials struct {
	Identifier  string `json:"identifier"`
	AppPassword string `json:"appPassword"`
	// Service is the PDS base URL; empty means https://bsky.social.
	Service string `json:"service,omitempty"`
}

func (BlueskyCredentials) Platform() Platform { return PlatformBluesky }

type MastodonCredentials struct {
	InstanceURL string `json:"instanceUrl"`
	AccessToken string `json:"accessToken"`
}

func (MastodonCredentials) Platform() Platform { return PlatformMastodon }

// Targets is the closed set of requested destinations.
type Targets struct {
	X        *XCredentials        `json:"x,omitempty"`
	Bluesky  *BlueskyCredentials  `json:"bluesky,omitempty"`
	Mastodon *MastodonCredentials `json:"mastodon,omitempty"`
}

// Platforms returns the requested platforms in canonical order.
func (t Targets) Platforms() []Platform {
	out := make([]Platform, 0, len(Platforms))
	for _, p := range Platforms {
		if t.Credentials(p) != nil {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether p is requested.
func (t Targets) Has(p Platform) bool { return t.Credentials(p) != nil }

func (t Targets) Empty() bool { return len(t.Platforms()) == 0 }

// Credentials returns the credentials for p, or nil if p is not requested.
func (t Targets) Credentials(p Platform) Credentials {
	switch p {
	case PlatformX:
		if t.X != nil {
			return *t.X
		}
	case PlatformBluesky:
		if t.Bluesky != nil {
			return *t.Bluesky
		}
	case PlatformMastodon:
		if t.Mastodon != nil {
			return *t.Mastodon
		}
	}
	return nil
}

type MediaKind int

const (
	MediaOther MediaKind = iota
	MediaImage
	MediaVideo
)

type MediaItem struct {
	Data     []byte `json:"data"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	AltText  string `json:"altText,omitempty"`
}

// Kind classifies the item by the top-level MIME type.
func (m MediaItem) Kind() MediaKind {
	mt := strings.ToLower(strings.TrimSpace(m.MimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return MediaImage
	case strings.HasPrefix(mt, "video/"):
		return MediaVideo
	default:
		return MediaOther
	}
}

// Segment is one post of a thread; segment i+1 replies to segment i.
type Segment struct {
	Text  string      `json:"text"`
	Media []MediaItem `json:"media,omitempty"`
}

type PublishRequest struct {
	Targets         Targets   `json:"targets"`
	Segments        []Segment `json:"segments"`
	ClientRequestID string    `json:"clientRequestId,omitempty"`
}

// Length counts Unicode code points, which is what client composers display.
func Length(text string) int { return utf8.RuneCountInString(text) }

// DeliveryResult is the per-platform result of a dispatch. Build it with
// Success or Failure; exactly one variant is populated.
type DeliveryResult struct {
	OK         bool            `json:"ok"`
	Platform   Platform        `json:"platform"`
	ExternalID string          `json:"id,omitempty"`
	URL        string          `json:"url,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func Success(p Platform, externalID, url string, raw json.RawMessage) DeliveryResult {
	return DeliveryResult{OK: true, Platform: p, ExternalID: externalID, URL: url, Raw: raw}
}

func Failure(p Platform, message string) DeliveryResult {
	return DeliveryResult{OK: false, Platform: p, Error: message}
}

type Overall string

const (
	OverallSuccess Overall = "success"
	OverallPartial Overall = "partial"
)

// DispatchOutcome always has at least one successful delivery.
type DispatchOutcome struct {
	Overall         Overall                     `json:"overall"`
	PostedAt        time.Time                   `json:"postedAt"`
	ClientRequestID string                      `json:"clientRequestId,omitempty"`
	Deliveries      map[Platform]DeliveryResult `json:"deliveries"`
}
