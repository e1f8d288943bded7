// Package api is the REST client for the Hooklistener application API:
// organizations, endpoints, captured request history, and replay.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the production application API.
const DefaultBaseURL = "https://app.hooklistener.com"

// Config holds API client parameters.
type Config struct {
	BaseURL        string // zero means DefaultBaseURL
	Token          string // bearer token for every call
	OrganizationID string // optional; sent as x-organization-id when set

	Logger     *slog.Logger // optional; nil uses slog.Default
	HTTPClient *http.Client // optional; nil gets a 30s-timeout client
}

// Client calls the application API. Safe for concurrent use.
type Client struct {
	cfg Config
}

// NewClient creates a client. Zero-value config fields get defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

// get fetches path and decodes the JSON body into out. resource names
// the thing being fetched, for error messages and logs.
func (c *Client) get(ctx context.Context, path, resource string, out any) error {
	// Correlation id for tracing one call through the logs.
	reqID := uuid.NewString()[:8]
	reqURL := c.cfg.BaseURL + path

	c.cfg.Logger.Debug("api request", "request_id", reqID, "method", http.MethodGet, "url", reqURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", resource, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if c.cfg.OrganizationID != "" {
		req.Header.Set("x-organization-id", c.cfg.OrganizationID)
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.cfg.Logger.Error("api request failed", "request_id", reqID, "error", err)
		return fmt.Errorf("fetch %s: %w", resource, err)
	}
	defer resp.Body.Close()

	c.cfg.Logger.Debug("api response",
		"request_id", reqID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return classifyStatus(resp.StatusCode, resource)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse %s response: %w", resource, err)
	}
	return nil
}

// ListOrganizations returns the organizations visible to the token.
func (c *Client) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var orgs []Organization
	if err := c.get(ctx, "/api/v1/organizations", "organizations", &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// ListEndpoints returns the endpoints of the selected organization.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var wrapped struct {
		Data []Endpoint `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/debug-endpoints", "endpoints", &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Data, nil
}

// GetEndpoint returns one endpoint by id.
func (c *Client) GetEndpoint(ctx context.Context, endpointID string) (Endpoint, error) {
	var wrapped struct {
		Data Endpoint `json:"data"`
	}
	path := "/api/v1/debug-endpoints/" + url.PathEscape(endpointID)
	if err := c.get(ctx, path, "endpoint", &wrapped); err != nil {
		return Endpoint{}, err
	}
	return wrapped.Data, nil
}

// ListRequests returns one page of an endpoint's captured requests.
func (c *Client) ListRequests(ctx context.Context, endpointID string, page, pageSize int) (RequestsPage, error) {
	path := "/api/v1/debug-endpoints/" + url.PathEscape(endpointID) + "/requests" +
		"?page=" + strconv.Itoa(page) + "&page_size=" + strconv.Itoa(pageSize)
	var out RequestsPage
	if err := c.get(ctx, path, "requests", &out); err != nil {
		return RequestsPage{}, err
	}
	return out, nil
}

// GetRequest returns one captured request with its full body.
func (c *Client) GetRequest(ctx context.Context, endpointID, requestID string) (WebhookRequest, error) {
	var wrapped struct {
		Data WebhookRequest `json:"data"`
	}
	path := "/api/v1/debug-endpoints/" + url.PathEscape(endpointID) + "/requests/" + url.PathEscape(requestID)
	if err := c.get(ctx, path, "request", &wrapped); err != nil {
		return WebhookRequest{}, err
	}
	return wrapped.Data, nil
}

// replayableMethods maps recognized verbs; anything else replays as GET.
var replayableMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodPatch:   {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// skipReplayHeader reports whether a captured header must not be
// replayed: host headers, proxy-added forwarding headers, CDN headers,
// and the stale content length.
func skipReplayHeader(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "host") ||
		strings.HasPrefix(k, "x-forwarded") ||
		strings.HasPrefix(k, "cf-") ||
		k == "content-length"
}

// Replay re-issues a captured request against targetURL. Unlike the live
// tunnel, replay suppresses bodies on GET and HEAD and strips headers
// that described the original hop. The returned error covers only
// request construction; a failed call is reported in the result.
func (c *Client) Replay(ctx context.Context, captured WebhookRequest, targetURL string) (ReplayResult, error) {
	result := ReplayResult{TargetURL: targetURL}

	method := captured.Method
	if _, ok := replayableMethods[method]; !ok {
		method = http.MethodGet
	}

	body := captured.Body
	if body == nil {
		body = captured.BodyPreview
	}
	var reader io.Reader
	if body != nil && *body != "" && method != http.MethodGet && method != http.MethodHead {
		reader = strings.NewReader(*body)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return result, fmt.Errorf("build replay request: %w", err)
	}
	for k, v := range captured.Headers {
		if skipReplayHeader(k) {
			continue
		}
		req.Header.Set(k, v)
	}
	if len(captured.QueryParams) > 0 {
		q := req.URL.Query()
		for k, v := range captured.QueryParams {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.ErrMessage = err.Error()
		return result, nil
	}
	defer resp.Body.Close()

	result.Success = true
	result.StatusCode = resp.StatusCode
	result.Headers = make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		result.Headers[k] = resp.Header.Get(k)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Body = "(failed to read response body)"
	} else {
		result.Body = string(data)
	}
	return result, nil
}
