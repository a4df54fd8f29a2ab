// Package validate checks a publish request against per-platform rules before
// any side effect happens.
package validate

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"crosspost/internal/apperr"
	"crosspost/internal/capability"
	"crosspost/internal/content"
)

const (
	XMaxCharacters       = 280
	BlueskyMaxCharacters = 300
	BlueskyMaxImages     = 4
	BlueskyVideoMimeType = "video/mp4"
)

// LimitsSource resolves live Mastodon limits. *capability.Cache implements it.
type LimitsSource interface {
	Get(ctx context.Context, instanceURL, accessToken string) (capability.MastodonLimits, error)
}

type Engine struct {
	limits LimitsSource
}

func New(limits LimitsSource) *Engine {
	return &Engine{limits: limits}
}

// Validate returns nil or the first rule violation. Violations are
// apperr.KindValidation; a failed Mastodon lookup keeps its upstream kind.
func (e *Engine) Validate(ctx context.Context, req content.PublishRequest) error {
	if err := validateStructure(ctx, req); err != nil {
		return err
	}
	if req.Targets.Has(content.PlatformX) {
		if err := checkX(req.Segments); err != nil {
			return err
		}
	}
	if req.Targets.Has(content.PlatformBluesky) {
		if err := checkBluesky(req.Segments); err != nil {
			return err
		}
	}
	if req.Targets.Mastodon != nil {
		if err := e.checkMastodon(ctx, *req.Targets.Mastodon, req.Segments); err != nil {
			return err
		}
	}
	return nil
}

func validateStructure(ctx context.Context, req content.PublishRequest) error {
	err := validation.ValidateStructWithContext(ctx, &req,
		validation.Field(&req.Targets, validation.By(func(any) error {
			if req.Targets.Empty() {
				return errors.New("at least one of x, bluesky or mastodon is required")
			}
			return nil
		})),
		validation.Field(&req.Segments, validation.Required.Error("at least one segment is required")),
	)
	if err != nil {
		return apperr.Validation("%s", err.Error())
	}
	for i, seg := range req.Segments {
		if err := validation.Validate(strings.TrimSpace(seg.Text), validation.Required); err != nil {
			return apperr.Validation("segment %d text must not be empty", i+1)
		}
	}
	return nil
}

func checkX(segments []content.Segment) error {
	for i, seg := range segments {
		if n := content.Length(seg.Text); n > XMaxCharacters {
			return apperr.Validation("X segment %d is %d characters; the limit is %d", i+1, n, XMaxCharacters)
		}
	}
	return nil
}

func checkBluesky(segments []content.Segment) error {
	for i, seg := range segments {
		if n := content.Length(seg.Text); n > BlueskyMaxCharacters {
			return apperr.Validation("Bluesky segment %d is %d characters; the limit is %d", i+1, n, BlueskyMaxCharacters)
		}
		if err := checkBlueskyMedia(i+1, seg.Media); err != nil {
			return err
		}
	}
	return nil
}

// checkBlueskyMedia allows either one mp4 video or one to four images.
func checkBlueskyMedia(pos int, media []content.MediaItem) error {
	images, videos := 0, 0
	for _, m := range media {
		switch m.Kind() {
		case content.MediaImage:
			images++
		case content.MediaVideo:
			videos++
		default:
			return apperr.Validation("Bluesky segment %d has unsupported media type %q", pos, m.MimeType)
		}
	}
	switch {
	case images > 0 && videos > 0:
		return apperr.Validation("Bluesky segment %d cannot mix images and video", pos)
	case images > BlueskyMaxImages:
		return apperr.Validation("Bluesky segment %d has %d images; the limit is %d", pos, images, BlueskyMaxImages)
	case videos > 1:
		return apperr.Validation("Bluesky segment %d has %d videos; the limit is 1", pos, videos)
	}
	for _, m := range media {
		if m.Kind() == content.MediaVideo && m.MimeType != BlueskyVideoMimeType {
			return apperr.Validation("Bluesky segment %d video must be %s (got %s)", pos, BlueskyVideoMimeType, m.MimeType)
		}
	}
	return nil
}

func (e *Engine) checkMastodon(ctx context.Context, creds content.MastodonCredentials, segments []content.Segment) error {
	if strings.TrimSpace(creds.InstanceURL) == "" {
		return apperr.Validation("mastodon instanceUrl is required")
	}
	if e.limits == nil {
		return apperr.Internal(nil, "mastodon limits source not configured")
	}
	limits, err := e.limits.Get(ctx, creds.InstanceURL, creds.AccessToken)
	if err != nil {
		return err
	}
	for i, seg := range segments {
		if n := content.Length(seg.Text); n > limits.MaxCharacters {
			return apperr.Validation("Mastodon segment %d is %d characters; the instance limit is %d", i+1, n, limits.MaxCharacters)
		}
		if n := len(seg.Media); n > limits.MaxMediaAttachments {
			return apperr.Validation("Mastodon segment %d has %d attachments; the instance limit is %d", i+1, n, limits.MaxMediaAttachments)
		}
	}
	return nil
}
