// Package capability caches live posting limits of remote Mastodon instances.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"crosspost/internal/apperr"
	logx "crosspost/pkg/logx"
)

const DefaultTTL = 5 * time.Minute

var (
	// ErrUnreachable means the instance could not be contacted at all.
	ErrUnreachable = errors.New("instance unreachable")
	// ErrInvalidResponse means the instance answered with a non-2xx status or
	// a body missing required configuration fields.
	ErrInvalidResponse = errors.New("invalid instance response")
)

type MastodonLimits struct {
	InstanceURL              string    `json:"instanceUrl"`
	MaxCharacters            int       `json:"maxCharacters"`
	MaxMediaAttachments      int       `json:"maxMediaAttachments"`
	CharactersReservedPerURL int       `json:"charactersReservedPerUrl"`
	SupportedMimeTypes       []string  `json:"supportedMimeTypes"`
	ImageSizeLimit           int64     `json:"imageSizeLimit"`
	VideoSizeLimit           int64     `json:"videoSizeLimit"`
	FetchedAt                time.Time `json:"fetchedAt"`
}

// Cache holds limits per normalized instance URL.
//
// Refreshes are not coordinated: two callers missing the same key at the
// same time both fetch, and the last write wins.
type Cache struct {
	client *http.Client
	ttl    time.Duration
	now    func() time.Time
	log    logx.Logger

	mu      sync.RWMutex
	entries map[string]MastodonLimits
}

type Option func(*Cache)

func WithHTTPClient(c *http.Client) Option {
	return func(cc *Cache) {
		if c != nil {
			cc.client = c
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func NewCache(opts ...Option) *Cache {
	c := &Cache{
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     logx.Nop(),
		entries: map[string]MastodonLimits{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NormalizeInstanceURL strips surrounding space and a single trailing slash.
func NormalizeInstanceURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}

// Get returns cached limits younger than the TTL, otherwise fetches them.
func (c *Cache) Get(ctx context.Context, instanceURL, accessToken string) (MastodonLimits, error) {
	key := NormalizeInstanceURL(instanceURL)
	now := c.now()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Sub(cached.FetchedAt) < c.ttl {
		return cached, nil
	}

	limits, err := c.fetch(ctx, key, accessToken)
	if err != nil {
		return MastodonLimits{}, err
	}
	limits.FetchedAt = now

	c.mu.Lock()
	c.entries[key] = limits
	c.mu.Unlock()

	c.log.Debug("instance limits refreshed",
		logx.String("instance", key),
		logx.Int("max_characters", limits.MaxCharacters),
		logx.Int("max_media", limits.MaxMediaAttachments),
		logx.Bytes("image_limit", int64(limits.ImageSizeLimit)),
	)
	return limits, nil
}

type instanceResponse struct {
	Configuration struct {
		Statuses struct {
			MaxCharacters            *int `json:"max_characters"`
			MaxMediaAttachments      *int `json:"max_media_attachments"`
			CharactersReservedPerURL int  `json:"characters_reserved_per_url"`
		} `json:"statuses"`
		MediaAttachments struct {
			SupportedMimeTypes []string `json:"supported_mime_types"`
			ImageSizeLimit     int64    `json:"image_size_limit"`
			VideoSizeLimit     int64    `json:"video_size_limit"`
		} `json:"media_attachments"`
	} `json:"configuration"`
}

func (c *Cache) fetch(ctx context.Context, instance, accessToken string) (MastodonLimits, error) {
	if instance == "" {
		return MastodonLimits{}, apperr.Upstream(ErrInvalidResponse, "mastodon instance url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance+"/api/v2/instance", http.NoBody)
	if err != nil {
		return MastodonLimits{}, apperr.Upstream(fmt.Errorf("%w: %v", ErrUnreachable, err), "mastodon instance %s", instance)
	}
	req.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(accessToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return MastodonLimits{}, apperr.Upstream(fmt.Errorf("%w: %v", ErrUnreachable, err), "mastodon instance %s", instance)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return MastodonLimits{}, apperr.Upstream(fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode), "mastodon instance %s", instance)
	}

	var body instanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return MastodonLimits{}, apperr.Upstream(fmt.Errorf("%w: %v", ErrInvalidResponse, err), "mastodon instance %s", instance)
	}
	st := body.Configuration.Statuses
	if st.MaxCharacters == nil || st.MaxMediaAttachments == nil {
		return MastodonLimits{}, apperr.Upstream(fmt.Errorf("%w: missing status limits", ErrInvalidResponse), "mastodon instance %s", instance)
	}

	ma := body.Configuration.MediaAttachments
	return MastodonLimits{
		InstanceURL:              instance,
		MaxCharacters:            *st.MaxCharacters,
		MaxMediaAttachments:      *st.MaxMediaAttachments,
		CharactersReservedPerURL: st.CharactersReservedPerURL,
		SupportedMimeTypes:       ma.SupportedMimeTypes,
		ImageSizeLimit:           ma.ImageSizeLimit,
		VideoSizeLimit:           ma.VideoSizeLimit,
	}, nil
}
