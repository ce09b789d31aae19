package artgate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultMaxPayloadBytes caps fetched payloads at 100 MiB.
const DefaultMaxPayloadBytes = 100 << 20

// RefPayloadFetcher dereferences payload locators: http(s) URLs are fetched
// with a size cap, file URLs and bare paths are read from the local
// filesystem.
type RefPayloadFetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

var _ PayloadFetcher = (*RefPayloadFetcher)(nil)

func NewRefPayloadFetcher(httpClient *http.Client, maxBytes int64) *RefPayloadFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	return &RefPayloadFetcher{httpClient: httpClient, maxBytes: maxBytes}
}

func (f *RefPayloadFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: payload ref is empty", ErrInvalidInput)
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse payload ref: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, ref)
	case "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		if parsed.Host != "" && parsed.Host != "localhost" {
			return nil, fmt.Errorf("%w: file ref with remote host %q", ErrInvalidInput, parsed.Host)
		}
		return f.readFile(path)
	case "":
		return f.readFile(ref)
	default:
		return nil, fmt.Errorf("%w: unsupported payload ref scheme %q", ErrInvalidInput, parsed.Scheme)
	}
}

func (f *RefPayloadFetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("payload fetch failed: status=%d", resp.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > f.maxBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", f.maxBytes)
	}
	return content, nil
}

func (f *RefPayloadFetcher) readFile(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: file ref path is empty", ErrInvalidInput)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: payload ref %q is a directory", ErrInvalidInput, path)
	}
	if info.Size() > f.maxBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", f.maxBytes)
	}
	return os.ReadFile(path)
}
