// Package rest talks to a hosted row store exposing /rest/v1/chat_messages.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/storage"
)

const tablePath = "/rest/v1/chat_messages"

// StatusError reports an unexpected HTTP status from the row store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("row store returned %d", e.StatusCode)
	}
	return fmt.Sprintf("row store returned %d: %s", e.StatusCode, e.Body)
}

// Config describes how to reach the row store.
type Config struct {
	BaseURL string
	APIKey  string
	// Token returns the caller's bearer credential for each request.
	Token      func(ctx context.Context) (string, error)
	HTTPClient *http.Client
}

// Client implements storage.Gateway over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	token      func(ctx context.Context) (string, error)
	httpClient *http.Client
}

// New creates a row store client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("row store base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid row store base URL %q: %w", base, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		token:      cfg.Token,
		httpClient: httpClient,
	}, nil
}

// LoadHistory selects the user's rows ordered by timestamp.
func (c *Client) LoadHistory(ctx context.Context, userID string) ([]chat.Message, error) {
	if err := storage.RequireUser(userID); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("user_id", "eq."+userID)
	query.Set("order", "timestamp.asc")

	var rows []chat.Row
	if err := c.do(ctx, http.MethodGet, query, nil, &rows); err != nil {
		return nil, storage.Wrap("load history", err)
	}

	return lo.Map(rows, func(r chat.Row, _ int) chat.Message {
		return r.Message()
	}), nil
}

// Append inserts one row.
func (c *Client) Append(ctx context.Context, userID string, msg chat.Message) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}
	if err := storage.ValidateMessage(msg); err != nil {
		return err
	}

	row := chat.NewRow(userID, msg)
	err := c.do(ctx, http.MethodPost, nil, row, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %v", storage.ErrDuplicateMessage, err)
	}
	return storage.Wrap("append", err)
}

// ClearAll deletes the user's rows.
func (c *Client) ClearAll(ctx context.Context, userID string) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}

	query := url.Values{}
	query.Set("user_id", "eq."+userID)
	return storage.Wrap("clear", c.do(ctx, http.MethodDelete, query, nil, nil))
}

func (c *Client) do(ctx context.Context, method string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + tablePath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, tablePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rows: %w", err)
	}
	return nil
}
