// Package gemini is the REST client for the Google Generative Language API.
// Keys are passed per call; the client itself holds no credentials.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the production v1beta endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Per-operation deadlines. Batch embedding gets the generate budget; large
// batches routinely outlast the single-embed deadline.
const (
	generateTimeout   = 60 * time.Second
	listTimeout       = 15 * time.Second
	embedTimeout      = 30 * time.Second
	batchEmbedTimeout = 60 * time.Second
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Status     string // google.rpc status, e.g. RESOURCE_EXHAUSTED
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsInvalidKey reports whether err indicates a rejected or revoked API key.
func IsInvalidKey(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest ||
		apiErr.StatusCode == http.StatusUnauthorized ||
		apiErr.StatusCode == http.StatusForbidden
}

// Client talks to one API base URL over a shared connection pool.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client. An empty baseURL selects production.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// post issues a JSON POST to {base}/{path}?key={rawKey} and returns the body.
func (c *Client) post(ctx context.Context, timeout time.Duration, path, rawKey string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s?key=%s", c.baseURL, path, url.QueryEscape(rawKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// get issues a GET to {base}/{path}?key={rawKey}&{query} and returns the body.
func (c *Client) get(ctx context.Context, timeout time.Duration, path, rawKey string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if query == nil {
		query = url.Values{}
	}
	query.Set("key", rawKey)
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Status:     gjson.GetBytes(body, "error.status").String(),
			Message:    gjson.GetBytes(body, "error.message").String(),
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		log.WithFields(log.Fields{
			"status":      resp.StatusCode,
			"duration_ms": time.Since(started).Milliseconds(),
			"path":        req.URL.Path,
		}).Debug("upstream error")
		return nil, apiErr
	}
	return body, nil
}

// Generate runs a non-streaming generateContent call and parses the result.
func (c *Client) Generate(ctx context.Context, rawKey string, req *GenerateRequest) (*GenerateResponse, error) {
	payload, err := buildGeneratePayload(req)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, generateTimeout, "models/"+req.Model+":generateContent", rawKey, payload)
	if err != nil {
		return nil, err
	}
	return parseGenerateResponse(body)
}
