// Package rest wraps the backend's HTTP endpoints that the chat core
// depends on: fetching a message page, sending, deleting, and marking a
// group read. Everything else in the REST surface is out of this SDK's
// scope.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sipline/chatkit/auth"
	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/logger"
)

const requestTimeout = 15 * time.Second

// APIError is a non-2xx response from the backend. The body's error field
// is surfaced when present so the UI can show something better than a
// status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("api: status %d", e.StatusCode)
}

// Client talks to the chat REST endpoints with bearer auth from the token
// provider. Safe for concurrent use.
type Client struct {
	baseURL string
	tokens  auth.Provider
	http    *http.Client
	logger  *logger.Logger
}

func NewClient(baseURL string, tokens auth.Provider, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log,
	}
}

// envelope covers the response nestings the backend has shipped over time:
// a bare list, {"data":[...]}, {"messages":[...]}, {"data":{"messages":[...]}}.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Messages []chat.Message  `json:"messages"`
	Error    string          `json:"error"`
}

// normalizeMessages flattens any of the known envelope shapes to a plain
// message list.
func normalizeMessages(body []byte) ([]chat.Message, error) {
	var flat []chat.Message
	if err := json.Unmarshal(body, &flat); err == nil {
		return flat, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	if env.Messages != nil {
		return env.Messages, nil
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &flat); err == nil {
			return flat, nil
		}
		var inner envelope
		if err := json.Unmarshal(env.Data, &inner); err == nil && inner.Messages != nil {
			return inner.Messages, nil
		}
	}
	return nil, fmt.Errorf("decode message page: unrecognized envelope")
}

// FetchMessages returns the current message page for a group, normalized to
// a flat list regardless of the response envelope shape.
func (c *Client) FetchMessages(ctx context.Context, groupID string) ([]chat.Message, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/groups/%s/messages", groupID), nil)
	if err != nil {
		return nil, err
	}
	messages, err := normalizeMessages(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("Fetched %d messages for group %s", len(messages), groupID)
	return messages, nil
}

// SendMessage posts a text message and returns the server's copy, which
// carries the assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, groupID, text string) (chat.Message, error) {
	payload := map[string]string{"content": text}
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/groups/%s/messages", groupID), payload)
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		// Some deployments wrap the created message in a data envelope too.
		var env struct {
			Data chat.Message `json:"data"`
		}
		if err2 := json.Unmarshal(body, &env); err2 != nil || env.Data.ID == "" {
			return chat.Message{}, fmt.Errorf("decode sent message: %w", err)
		}
		msg = env.Data
	}
	return msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/messages/%s", messageID), nil)
	return err
}

func (c *Client) MarkRead(ctx context.Context, groupID string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/groups/%s/read", groupID), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := c.tokens.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		_ = json.Unmarshal(body, &env)
		c.logger.Warnf("%s %s failed: status %d", method, path, resp.StatusCode)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	return body, nil
}
