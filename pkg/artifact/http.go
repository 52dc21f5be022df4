package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource fetches archives from a web server or CDN.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPSource creates a source under base. A nil client gets a default
// with a connection timeout and no overall deadline, since archives are large.
func NewHTTPSource(base *url.URL, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	b := *base
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	return &HTTPSource{base: &b, client: client}
}

func (h *HTTPSource) url(key string) string {
	return h.base.ResolveReference(&url.URL{Path: key}).String()
}

// Exists issues a HEAD request for key.
func (h *HTTPSource) Exists(ctx context.Context, key string) (bool, error) {
	target := h.url(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, &NetworkError{Op: "HEAD", Location: target, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		// S3-backed sites answer 403 for missing keys.
		return false, nil
	default:
		return false, &NetworkError{Op: "HEAD", Location: target, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// Fetch GETs key into w.
func (h *HTTPSource) Fetch(ctx context.Context, key string, w io.Writer) (int64, error) {
	target := h.url(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "GET", Location: target, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return 0, fmt.Errorf("%s: %w", target, ErrArchiveNotFound)
	default:
		return 0, &NetworkError{Op: "GET", Location: target, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &NetworkError{Op: "GET", Location: target, Err: err}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, &NetworkError{Op: "GET", Location: target, Err: fmt.Errorf("short body: %d of %d bytes", n, resp.ContentLength)}
	}
	return n, nil
}

func (h *HTTPSource) String() string {
	return h.base.String()
}
