package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"crosspost/internal/apperr"
)

// wire shapes accepted from the outer transport.
type wireRequest struct {
	Targets         *Targets       `json:"targets"`
	Text            *string        `json:"text"`
	Thread          *[]wireSegment `json:"thread"`
	Media           []wireMedia    `json:"media"`
	ClientRequestID string         `json:"clientRequestId"`
}

type wireSegment struct {
	Text string `json:"text"`
}

type wireMedia struct {
	ThreadIndex *int   `json:"threadIndex"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
	AltText     string `json:"altText"`
	Data        []byte `json:"data"`
}

// DecodeRequest parses a request body into a PublishRequest. Unknown fields
// are rejected, text and thread are mutually exclusive, and every media item
// must reference an existing segment.
func DecodeRequest(r io.Reader) (PublishRequest, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return PublishRequest{}, apperr.Internal(err, "read request")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return PublishRequest{}, apperr.Validation("invalid request body: %v", err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return PublishRequest{}, apperr.Validation("invalid request body: trailing data")
	}
	return w.resolve()
}

func (w wireRequest) resolve() (PublishRequest, error) {
	if w.Targets == nil {
		return PublishRequest{}, apperr.Validation("targets is required")
	}

	var segments []Segment
	switch {
	case w.Text != nil && w.Thread != nil:
		return PublishRequest{}, apperr.Validation("provide either text or thread, not both")
	case w.Text != nil:
		segments = []Segment{{Text: *w.Text}}
	case w.Thread != nil:
		if len(*w.Thread) == 0 {
			return PublishRequest{}, apperr.Validation("thread must contain at least one segment")
		}
		segments = make([]Segment, 0, len(*w.Thread))
		for _, s := range *w.Thread {
			segments = append(segments, Segment{Text: s.Text})
		}
	default:
		return PublishRequest{}, apperr.Validation("either text or thread is required")
	}

	for i, m := range w.Media {
		idx := 0
		if m.ThreadIndex != nil {
			idx = *m.ThreadIndex
		}
		if idx < 0 || idx >= len(segments) {
			return PublishRequest{}, apperr.Validation("media %d references thread index %d, but the thread has %d segment(s)", i, idx, len(segments))
		}
		if len(m.Data) == 0 {
			return PublishRequest{}, apperr.Validation("media %d has no data", i)
		}
		if strings.TrimSpace(m.MimeType) == "" {
			return PublishRequest{}, apperr.Validation("media %d is missing mimeType", i)
		}
		segments[idx].Media = append(segments[idx].Media, MediaItem{
			Data:     m.Data,
			FileName: m.FileName,
			MimeType: strings.TrimSpace(m.MimeType),
			AltText:  m.AltText,
		})
	}

	return PublishRequest{
		Targets:         *w.Targets,
		Segments:        segments,
		ClientRequestID: w.ClientRequestID,
	}, nil
}

// String renders a compact description for logs; it never includes credentials.
func (r PublishRequest) String() string {
	media := 0
	for _, s := range r.Segments {
		media += len(s.Media)
	}
	names := make([]string, 0, 3)
	for _, p := range r.Targets.Platforms() {
		names = append(names, string(p))
	}
	return fmt.Sprintf("targets=%s segments=%d media=%d", strings.Join(names, ","), len(r.Segments), media)
}
