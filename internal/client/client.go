// Package client talks to the companion server on behalf of a terminal user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

const (
	msgSendFailed   = "网络请求失败"
	msgStreamFailed = "流式请求失败"
)

// KeySource yields the user's stored credentials.
type KeySource interface {
	Keys(ctx context.Context) (*store.APIKeys, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
	defaultKey string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithKeySource(keys KeySource) Option {
	return func(c *Client) { c.keys = keys }
}

// WithDefaultKey sets the key sent when none is stored. An empty key lets
// the server fall back to its own.
func WithDefaultKey(key string) Option {
	return func(c *Client) { c.defaultKey = key }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIKey returns the stored model key, or the default when nothing usable
// is stored.
func (c *Client) APIKey(ctx context.Context) string {
	if c.keys == nil {
		return c.defaultKey
	}
	keys, err := c.keys.Keys(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.From(ctx).Warn("failed to read stored keys, using default", "error", err)
		}
		return c.defaultKey
	}
	if keys.ModelScopeAPIKey != "" {
		return keys.ModelScopeAPIKey
	}
	return c.defaultKey
}

// SendResult is the single-shot reply.
type SendResult struct {
	Success     bool                 `json:"success"`
	IsEmergency bool                 `json:"isEmergency"`
	Response    string               `json:"response"`
	Emotion     *core.EmotionSummary `json:"emotion"`
	Sources     []core.SourceInfo    `json:"sources"`
	Error       string               `json:"error"`
}

// APIError is a reply the server marked as failed.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (c *Client) post(ctx context.Context, path string, req core.ChatRequest) (*http.Response, error) {
	req.APIKey = c.APIKey(ctx)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build request", goerr.V("path", path))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, goerr.Wrap(err, "request failed", goerr.V("path", path))
	}
	return resp, nil
}

// Send runs a single-shot turn.
func (c *Client) Send(ctx context.Context, req core.ChatRequest) (*SendResult, error) {
	resp, err := c.post(ctx, "/api/chat/send", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, goerr.Wrap(err, "failed to decode chat reply", goerr.V("status", resp.StatusCode))
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = msgSendFailed
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &result, nil
}

// Stream runs a streamed turn and blocks until one of h's terminal
// callbacks has fired.
func (c *Client) Stream(ctx context.Context, req core.ChatRequest, h StreamHandler) {
	h = h.withDefaults()
	logger := logging.From(ctx)

	resp, err := c.post(ctx, "/api/chat/stream", req)
	if err != nil {
		logger.Error("stream request failed", "error", err)
		h.OnError(msgStreamFailed)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failed SendResult
		msg := msgStreamFailed
		if json.NewDecoder(resp.Body).Decode(&failed) == nil && failed.Error != "" {
			msg = failed.Error
		}
		logger.Error("stream rejected", "status", resp.StatusCode, "error", msg)
		h.OnError(msg)
		return
	}

	Consume(ctx, resp.Body, h)
}
