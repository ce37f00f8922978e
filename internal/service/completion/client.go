// Package completion opens streaming requests against the chat completion
// endpoint.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
)

// TransportError reports a failed request or a non-2xx response.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion endpoint returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config describes the completion endpoint.
type Config struct {
	URL string
	// Token returns the bearer credential: a user token or the anon key.
	Token      func(ctx context.Context) (string, error)
	APIKey     string
	HTTPClient *http.Client
}

// Client posts conversations and returns the raw event stream.
type Client struct {
	url        string
	token      func(ctx context.Context) (string, error)
	apiKey     string
	httpClient *http.Client
}

// New creates a completion client.
func New(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("completion URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout; streams are bounded by the request context.
		httpClient = &http.Client{}
	}

	return &Client{url: url, token: cfg.Token, apiKey: cfg.APIKey, httpClient: httpClient}, nil
}

type request struct {
	Messages []chat.Turn `json:"messages"`
}

// Stream sends turns and returns the response body. The caller must close it.
func (c *Client) Stream(ctx context.Context, turns []chat.Turn) (io.ReadCloser, error) {
	payload, err := json.Marshal(request{Messages: turns})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}

	return resp.Body, nil
}
