// Package publisher holds the concrete per-platform clients used by the
// dispatcher. Each one posts ordered segments as a reply chain and reports
// the first post of the chain.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"crosspost/internal/dispatch"
	logx "crosspost/pkg/logx"
)

const maxErrorBody = 512

// Config carries endpoint overrides. Zero values select the public APIs.
type Config struct {
	XAPIBase       string
	XUploadBase    string
	BlueskyService string
	HTTPClient     *http.Client
	Log            logx.Logger
}

// All returns one publisher per supported platform.
func All(cfg Config) []dispatch.Publisher {
	return []dispatch.Publisher{
		NewX(cfg),
		NewBluesky(cfg),
		NewMastodon(cfg),
	}
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// APIError is a non-2xx answer from a platform API.
type APIError struct {
	Platform string
	Method   string
	Path     string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: %s %s: %d %s", e.Platform, e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: %s %s: %d %s: %s", e.Platform, e.Method, e.Path, e.Status, http.StatusText(e.Status), body)
}

// call sends one request and decodes a 2xx JSON body into out. The raw body
// is returned for use as a delivery's raw response.
func call(ctx context.Context, client *http.Client, platform, method, url string, body io.Reader, contentType string, header http.Header, out any) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s %s: %w", platform, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", platform, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return nil, &APIError{Platform: platform, Method: method, Path: req.URL.Path, Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return nil, fmt.Errorf("%s: decode %s response: %w", platform, req.URL.Path, err)
		}
	}
	return json.RawMessage(b), nil
}

func callJSON(ctx context.Context, client *http.Client, platform, method, url string, in any, header http.Header, out any) (json.RawMessage, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return call(ctx, client, platform, method, url, bytes.NewReader(b), "application/json", header, out)
}

// multipartFile builds a multipart body with one file part and extra fields.
func multipartFile(field, fileName, mimeType string, data []byte, fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, fileNameOr(fileName)))
	if mimeType != "" {
		h.Set("Content-Type", mimeType)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func fileNameOr(name string) string {
	if strings.TrimSpace(name) == "" {
		return "upload"
	}
	return name
}

func trimBase(base, def string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = def
	}
	return strings.TrimRight(base, "/")
}
