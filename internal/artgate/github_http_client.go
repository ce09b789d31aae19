package artgate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type GitHubClientOptions struct {
	BaseURL        string
	Owner          string
	Repo           string
	Branch         string
	Token          string
	CommitterName  string
	CommitterEmail string
	HTTPClient     *http.Client
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// GitHubContentClient talks to the GitHub repository contents API. It backs
// the duplicate gate (Exists), the overwrite conflict token (VersionToken)
// and the finalizer's commit (Write).
type GitHubContentClient struct {
	baseURL        string
	owner          string
	repo           string
	branch         string
	token          string
	committerName  string
	committerEmail string
	httpClient     *http.Client
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
}

var _ StorageClient = (*GitHubContentClient)(nil)

// StorageConflictError reports a write rejected because the remote content
// changed under the supplied base version.
type StorageConflictError struct {
	Path       string
	StatusCode int
}

func (e *StorageConflictError) Error() string {
	return fmt.Sprintf("write conflict for %s (status %d)", e.Path, e.StatusCode)
}

func (e *StorageConflictError) Is(target error) bool {
	return target == ErrWriteConflict
}

func NewGitHubContentClient(opts GitHubClientOptions) (*GitHubContentClient, error) {
	owner := strings.TrimSpace(opts.Owner)
	repo := strings.TrimSpace(opts.Repo)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: github owner and repo are required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	committerName := strings.TrimSpace(opts.CommitterName)
	if committerName == "" {
		committerName = "artgate-bot"
	}
	committerEmail := strings.TrimSpace(opts.CommitterEmail)
	if committerEmail == "" {
		committerEmail = "artgate-bot@localhost"
	}
	return &GitHubContentClient{
		baseURL:        baseURL,
		owner:          owner,
		repo:           repo,
		branch:         strings.TrimSpace(opts.Branch),
		token:          strings.TrimSpace(opts.Token),
		committerName:  committerName,
		committerEmail: committerEmail,
		httpClient:     httpClient,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
	}, nil
}

type githubContentResponse struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
}

type githubCommitter struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubWriteRequest struct {
	Message   string          `json:"message"`
	Content   string          `json:"content"`
	Branch    string          `json:"branch,omitempty"`
	SHA       string          `json:"sha,omitempty"`
	Committer githubCommitter `json:"committer"`
}

type githubWriteResponse struct {
	Content githubContentResponse `json:"content"`
}

// Exists answers the duplicate gate: a definitive 404 is (false, nil); any
// other failure is a lookup failure distinct from not-found.
func (c *GitHubContentClient) Exists(ctx context.Context, path string) (bool, error) {
	status, _, err := c.doGet(ctx, path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status >= 200 && status <= 299:
		return true, nil
	default:
		return false, fmt.Errorf("%w: status=%d for %s", ErrLookupFailed, status, path)
	}
}

// VersionToken returns the blob SHA currently stored at the path, or
// ErrNotFound when the path holds no content.
func (c *GitHubContentClient) VersionToken(ctx context.Context, path string) (string, error) {
	status, body, err := c.doGet(ctx, path)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	case status >= 200 && status <= 299:
		var content githubContentResponse
		if err := json.Unmarshal(body, &content); err != nil {
			return "", fmt.Errorf("parse content response for %s: %w", path, err)
		}
		if content.SHA == "" {
			return "", fmt.Errorf("content response for %s carries no sha", path)
		}
		return content.SHA, nil
	default:
		return "", fmt.Errorf("version lookup failed: status=%d message=%s", status, githubErrorMessage(body))
	}
}

// Write commits the content. A stale or missing base version on an existing
// path surfaces as a StorageConflictError rather than silently overwriting.
func (c *GitHubContentClient) Write(ctx context.Context, req StorageWriteRequest) (StorageWriteResult, error) {
	if strings.TrimSpace(req.Path) == "" {
		return StorageWriteResult{}, fmt.Errorf("%w: write path is empty", ErrInvalidInput)
	}
	payload := githubWriteRequest{
		Message: req.Message,
		Content: base64.StdEncoding.EncodeToString(req.Content),
		Branch:  c.branch,
		SHA:     req.BaseVersion,
		Committer: githubCommitter{
			Name:  c.committerName,
			Email: c.committerEmail,
		},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return StorageWriteResult{}, err
	}

	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentURL(req.Path), bytes.NewReader(bodyBytes))
		if err != nil {
			return StorageWriteResult{}, err
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return StorageWriteResult{}, waitErr
				}
				continue
			}
			return StorageWriteResult{}, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return StorageWriteResult{}, readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			var parsed githubWriteResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return StorageWriteResult{}, fmt.Errorf("parse write response for %s: %w", req.Path, err)
			}
			result := StorageWriteResult{Path: parsed.Content.Path, Version: parsed.Content.SHA}
			if result.Path == "" {
				result.Path = req.Path
			}
			return result, nil
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
			return StorageWriteResult{}, &StorageConflictError{Path: req.Path, StatusCode: resp.StatusCode}
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries:
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return StorageWriteResult{}, waitErr
			}
		default:
			return StorageWriteResult{}, fmt.Errorf("github write failed: status=%d message=%s", resp.StatusCode, githubErrorMessage(respBody))
		}
	}
}

func (c *GitHubContentClient) doGet(ctx context.Context, path string) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentURL(path), nil)
		if err != nil {
			return 0, nil, err
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, nil, waitErr
				}
				continue
			}
			return 0, nil, err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, readErr
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, nil, waitErr
			}
			continue
		}
		return resp.StatusCode, body, nil
	}
}

func (c *GitHubContentClient) contentURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	target := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, url.PathEscape(c.owner), url.PathEscape(c.repo), strings.Join(segments, "/"))
	if c.branch != "" {
		target += "?ref=" + url.QueryEscape(c.branch)
	}
	return target
}

func (c *GitHubContentClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *GitHubContentClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func githubErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
