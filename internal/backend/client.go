package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rferraz/syncline/internal/model"
	"go.uber.org/zap"
)

// HTTPClient talks JSON over HTTP to the remote store.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a backend client for the given base URL.
func NewHTTPClient(baseURL, token string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Errf(ValidationError, "encode request: %v", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return Errf(UnknownError, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if serr := ClassifyStatus(resp.StatusCode); serr != nil {
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(data) > 0 {
			serr.Message = fmt.Sprintf("%s: %s", serr.Message, data)
		}
		c.logger.Warn("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(serr.Kind)))
		return serr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Errf(UnknownError, "decode response: %v", err)
	}
	return nil
}

func (c *HTTPClient) FetchProfile(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodGet, "/api/profile", nil, &p)
	return p, err
}

func (c *HTTPClient) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs)
	return convs, err
}

func (c *HTTPClient) FetchGroups(ctx context.Context) ([]model.GroupConversation, error) {
	var groups []model.GroupConversation
	err := c.do(ctx, http.MethodGet, "/api/groups", nil, &groups)
	return groups, err
}

func (c *HTTPClient) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	var m model.Message
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, req, &m)
	return m, err
}

func (c *HTTPClient) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) Resync(ctx context.Context, cursor string) (ResyncResult, error) {
	var res ResyncResult
	path := "/api/sync"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}
