package api

import "time"

// Organization is one account the token can act on behalf of.
type Organization struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
	SigningSecretPrefix *string `json:"signing_secret_prefix"`
}

// Endpoint is a webhook capture endpoint. Slug is the identity used by
// the tunnel; WebhookURL is what external services are pointed at.
type Endpoint struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Slug       string `json:"slug"`
	WebhookURL string `json:"webhook_url"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// WebhookRequest is one captured request in an endpoint's history. Body
// is only populated by the detail endpoint; list responses carry
// BodyPreview at most.
type WebhookRequest struct {
	ID            string            `json:"id"`
	Timestamp     int64             `json:"timestamp"`
	RemoteAddr    string            `json:"remote_addr"`
	Headers       map[string]string `json:"headers"`
	ContentLength int64             `json:"content_length"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Path          *string           `json:"path"`
	QueryParams   map[string]string `json:"query_params"`
	CreatedAt     string            `json:"created_at"`
	BodyPreview   *string           `json:"body_preview"`
	Body          *string           `json:"body"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int `json:"page"`
	TotalCount int `json:"total_count"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// RequestsPage is one page of an endpoint's request history.
type RequestsPage struct {
	Data       []WebhookRequest `json:"data"`
	Pagination Pagination       `json:"pagination"`
}

// ReplayResult describes one replay of a captured request against a
// target. A transport failure is data, not an error: Success is false
// and ErrMessage says why.
type ReplayResult struct {
	Success    bool
	StatusCode int
	Headers    map[string]string
	Body       string
	ErrMessage string
	TargetURL  string
	Duration   time.Duration
}
