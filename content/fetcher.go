package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	offlinecache "github.com/gigbook/offline-cache"
)

// maxErrorBody bounds how much of an upstream failure body is captured.
const maxErrorBody = 8 * 1024

// FetchResult is an open upstream response. The caller owns Body and must
// close it, including when it decides not to read it.
type FetchResult struct {
	Body io.ReadCloser

	// ContentLength is the declared length from the response headers,
	// or -1 when the upstream did not report one.
	ContentLength int64

	// ContentType is the declared MIME type; may be empty.
	ContentType string
}

// Fetcher retrieves remote file content.
type Fetcher interface {
	Fetch(ctx context.Context, fileURL string) (*FetchResult, error)
}

// ProxyFetcher fetches remote files through the same-origin proxy endpoint
// (`/api/proxy?url=<encoded>`), which exists to sidestep cross-origin
// restrictions on direct upstream fetches.
type ProxyFetcher struct {
	base   string
	client *http.Client
}

// NewProxyFetcher creates a fetcher against the given proxy base URL,
// e.g. "https://app.gigbook.example". A nil client uses http.DefaultClient.
func NewProxyFetcher(base string, client *http.Client) *ProxyFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &ProxyFetcher{base: base, client: client}
}

// Fetch issues a proxied GET for the given upstream URL. Non-2xx responses
// are returned as a NetworkError carrying the proxy failure body verbatim.
func (p *ProxyFetcher) Fetch(ctx context.Context, fileURL string) (*FetchResult, error) {
	proxied := fmt.Sprintf("%s/api/proxy?url=%s", p.base, url.QueryEscape(fileURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxied, nil)
	if err != nil {
		return nil, &offlinecache.NetworkError{URL: fileURL, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &offlinecache.NetworkError{URL: fileURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &offlinecache.NetworkError{URL: fileURL, Status: resp.StatusCode, Body: body}
	}

	return &FetchResult{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// Compile-time interface check
var _ Fetcher = (*ProxyFetcher)(nil)
