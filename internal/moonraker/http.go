package moonraker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hollowoak/moonbridge/internal/httpkit"
)

// HTTPClient talks to Moonraker's HTTP API. The WebSocket carries the
// polling traffic; HTTP is used where a one-shot request fits better:
// reachability probes and thumbnail downloads.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates an HTTP client for the Moonraker instance at
// baseURL. When verifyTLS is false, certificate checks are skipped.
func NewHTTPClient(baseURL string, verifyTLS bool, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(30 * time.Second),
		httpkit.WithRetry(3, 2*time.Second),
		httpkit.WithLogger(logger),
	}
	if !verifyTLS {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &HTTPClient{
		baseURL:    httpBaseURL(baseURL),
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// httpBaseURL normalizes a ws(s):// base URL back to http(s):// and
// strips any trailing slash.
func httpBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// Ping checks Moonraker reachability via GET /server/info. Used as the
// connwatch probe so the WebSocket can be re-established as soon as the
// server is back.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/server/info", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("moonraker ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("moonraker ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Thumbnail downloads a gcode preview image by the relative path from
// server.files.metadata. Paths are relative to the gcodes root. Returns
// the image bytes and content type.
func (c *HTTPClient) Thumbnail(ctx context.Context, relativePath string) ([]byte, string, error) {
	u := c.baseURL + "/server/files/gcodes/" + escapePath(relativePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, "", fmt.Errorf("fetch thumbnail: status %d: %s", resp.StatusCode, msg)
	}

	// Thumbnails are small; a capped read keeps a misconfigured path
	// from buffering a whole gcode file.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, "", fmt.Errorf("read thumbnail: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFromExt(relativePath)
	}
	return data, contentType, nil
}

// escapePath percent-encodes each segment of a slash-separated file
// path without encoding the separators themselves.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func contentTypeFromExt(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
