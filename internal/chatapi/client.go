// Package chatapi is the HTTP client of the chat metadata service that owns
// message persistence. Every call carries the bearer token of the session
// acting on the message.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// DefaultTimeout bounds a single call when no client is supplied.
const DefaultTimeout = 10 * time.Second

// Client talks to the chat metadata service rooted at a base URL.
type Client struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

// New creates a client. A nil http client gets DefaultTimeout.
func New(baseURL string, client *http.Client, log *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), client: client, log: log}
}

type savedMessage struct {
	MessageID protocol.ID `json:"message_id"`
}

// SaveMessage persists msg and returns the id assigned by the service. A
// zero id means the service did not return one.
func (c *Client) SaveMessage(ctx context.Context, token string, msg protocol.MessageData) (protocol.ID, error) {
	var saved savedMessage
	if err := c.do(ctx, "save message", http.MethodPost, c.base+"/chat/message", token, msg, &saved); err != nil {
		return 0, err
	}
	return saved.MessageID, nil
}

// EditMessage forwards an edit to the service.
func (c *Client) EditMessage(ctx context.Context, token string, edit protocol.EditData) error {
	url := fmt.Sprintf("%s/chat/%s/messages/%s", c.base, edit.ChatID, edit.ID)
	return c.do(ctx, "edit message", http.MethodPatch, url, token, edit, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, token string, del protocol.DeleteData) error {
	url := fmt.Sprintf("%s/chat/%s/messages/%s", c.base, del.ChatID, del.MessageID)
	return c.do(ctx, "delete message", http.MethodDelete, url, token, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, url, token string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("chat api unreachable", zap.String("op", op), zap.Error(err))
		return errs.Unreachable(op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.log.Debug("chat api call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errs.Upstream(op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &errs.UpstreamError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}
