package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// searchFields is the set of fields the reconciler needs from a search.
const searchFields = "issuetype,resolution,duedate,created,issuelinks"

// APIError is returned when Jira answers with a non-2xx status.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client provides HTTP access to a Jira instance.
type Client struct {
	URL        string
	Username   string
	Secret     string // password or API token
	HTTPClient *http.Client

	// MaxElapsed bounds the time spent retrying transient failures.
	// Zero disables retries.
	MaxElapsed time.Duration

	// PageSize is the maxResults sent with each search page.
	PageSize int
}

// NewClient creates a new Jira client.
func NewClient(url, username, secret string) *Client {
	return &Client{
		URL:      strings.TrimSuffix(url, "/"),
		Username: username,
		Secret:   secret,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		MaxElapsed: DefaultMaxElapsed,
		PageSize:   MaxPageSize,
	}
}

// SearchIssues queries Jira using JQL and returns all matching issues,
// following pagination until the reported total is reached.
func (c *Client) SearchIssues(ctx context.Context, jql string) ([]Issue, error) {
	var allIssues []Issue
	startAt := 0
	pageSize := c.PageSize
	if pageSize <= 0 {
		pageSize = MaxPageSize
	}

	for {
		params := url.Values{
			"jql":        {jql},
			"fields":     {searchFields},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(pageSize)},
		}

		var result SearchResponse
		if err := c.do(ctx, http.MethodGet, "/rest/api/2/search?"+params.Encode(), nil, &result); err != nil {
			return nil, fmt.Errorf("search issues: %w", err)
		}

		allIssues = append(allIssues, result.Issues...)

		// An empty page means the server stopped early; do not loop forever.
		if len(result.Issues) == 0 || startAt+len(result.Issues) >= result.Total {
			break
		}
		startAt += len(result.Issues)
	}

	return allIssues, nil
}

// GetWorklogs fetches the worklog listing of an issue.
func (c *Client) GetWorklogs(ctx context.Context, key string) (*WorklogResponse, error) {
	var result WorklogResponse
	path := fmt.Sprintf("/rest/api/2/issue/%s/worklog", url.PathEscape(key))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("get worklogs %s: %w", key, err)
	}
	return &result, nil
}

// DeleteIssueLink deletes an issue link by ID.
func (c *Client) DeleteIssueLink(ctx context.Context, linkID string) error {
	path := "/rest/api/2/issueLink/" + url.PathEscape(linkID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete issue link %s: %w", linkID, err)
	}
	return nil
}

// CreateIssueLink creates a link of linkType between two issues. The link
// is listed as outward on inwardKey, pointing at outwardKey.
func (c *Client) CreateIssueLink(ctx context.Context, linkType, inwardKey, outwardKey string) error {
	req := CreateLinkRequest{
		Type:         LinkType{Name: linkType},
		InwardIssue:  IssueRef{Key: inwardKey},
		OutwardIssue: IssueRef{Key: outwardKey},
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issueLink", req, nil); err != nil {
		return fmt.Errorf("create %s link %s -> %s: %w", linkType, inwardKey, outwardKey, err)
	}
	return nil
}

// UpdateIssue updates fields of an existing Jira issue by key.
func (c *Client) UpdateIssue(ctx context.Context, key string, fields map[string]interface{}) error {
	path := "/rest/api/2/issue/" + url.PathEscape(key)
	if err := c.do(ctx, http.MethodPut, path, UpdateIssueRequest{Fields: fields}, nil); err != nil {
		return fmt.Errorf("update issue %s: %w", key, err)
	}
	return nil
}

// BrowseURL returns the web URL of an issue.
func (c *Client) BrowseURL(key string) string {
	return c.URL + "/browse/" + key
}

// do sends a JSON request, retrying transient failures, and decodes the
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}

	retryable := isRetryable
	if method == http.MethodPost {
		retryable = isRetryableCreate
	}

	var respBody []byte
	op := func() error {
		b, err := c.doRequest(ctx, method, path, body)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		respBody = b
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// newBackoff returns a fresh policy; BackOff implementations are stateful.
func (c *Client) newBackoff() backoff.BackOff {
	if c.MaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsed
	return bo
}

// doRequest executes one authenticated HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}
	if c.Secret == "" {
		return nil, fmt.Errorf("jira password or API token not configured")
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "blocksync/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Method:     method,
			Path:       strings.SplitN(path, "?", 2)[0],
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	// DELETE and PUT return 204 No Content, link creation 201 with no body.
	return respBody, nil
}

// setAuth sets basic auth when a username is configured and a bearer token
// (Server/DC personal access token) otherwise.
func (c *Client) setAuth(req *http.Request) {
	if c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Secret))
		req.Header.Set("Authorization", "Basic "+auth)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.Secret)
	}
}

// isRetryable reports whether err is a transient failure worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// isRetryableCreate reports whether a failed POST certainly did not create
// anything. Gateway errors and dropped connections may hide a success, and
// retrying those would create a duplicate link.
func isRetryableCreate(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests ||
		apiErr.StatusCode == http.StatusServiceUnavailable
}
