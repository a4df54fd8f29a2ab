package scheduler

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"crosspost/internal/content"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
}

func (s *Service) jobDir(id string) string {
	return filepath.Join(s.cfg.MediaDir, id)
}

// persistMedia writes every media item of segments under the job directory
// and returns references in segment order.
func (s *Service) persistMedia(id string, segments []content.Segment) ([]storage.MediaRef, error) {
	var refs []storage.MediaRef
	ordinal := 0
	var total int
	for si, seg := range segments {
		for _, m := range seg.Media {
			if ordinal == 0 {
				if err := os.MkdirAll(s.jobDir(id), 0o700); err != nil {
					return nil, err
				}
			}
			name := fmt.Sprintf("%d-%s", ordinal, sanitizeFileName(m.FileName, ordinal, m.MimeType))
			path := filepath.Join(s.jobDir(id), name)
			if err := os.WriteFile(path, m.Data, 0o600); err != nil {
				return nil, fmt.Errorf("write %s: %w", name, err)
			}
			refs = append(refs, storage.MediaRef{
				Path:         path,
				SegmentIndex: si,
				FileName:     m.FileName,
				MimeType:     m.MimeType,
				AltText:      m.AltText,
			})
			total += len(m.Data)
			ordinal++
		}
	}
	if ordinal > 0 {
		s.log.Debug("media persisted", logx.String("job", id), logx.Int("files", ordinal), logx.Bytes("size", int64(total)))
	}
	return refs, nil
}

// rehydrate rebuilds segments from sealed texts and on-disk media. A
// reference to a segment that does not exist is dropped.
func rehydrate(texts []string, refs []storage.MediaRef) ([]content.Segment, error) {
	segments := make([]content.Segment, len(texts))
	for i, t := range texts {
		segments[i] = content.Segment{Text: t}
	}
	for _, ref := range refs {
		if ref.SegmentIndex < 0 || ref.SegmentIndex >= len(segments) {
			continue
		}
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			return nil, fmt.Errorf("read media %s: %w", filepath.Base(ref.Path), err)
		}
		seg := &segments[ref.SegmentIndex]
		seg.Media = append(seg.Media, content.MediaItem{
			Data:     data,
			FileName: ref.FileName,
			MimeType: ref.MimeType,
			AltText:  ref.AltText,
		})
	}
	return segments, nil
}

func (s *Service) removeMedia(id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	if err := os.RemoveAll(s.jobDir(id)); err != nil {
		s.log.Warn("remove job media failed", logx.String("job", id), logx.Err(err))
	}
}

// sanitizeFileName keeps [A-Za-z0-9._-] and strips leading dots. An empty
// result becomes media-<ordinal> with an extension derived from mimeType.
func sanitizeFileName(name string, ordinal int, mimeType string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out != "" {
		return out
	}
	return fmt.Sprintf("media-%d%s", ordinal, extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if ext, ok := preferredExt[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
