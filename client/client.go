// Package client talks to a relay on the local network: conversations,
// library CRUD, sync status, and streaming replies.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/services"
)

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	debug   bool

	http   *resty.Client
	stream *resty.Client
}

// New constructs a Client for baseURL, e.g. http://192.168.1.20:8765.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), timeout: 30 * time.Second}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	c.http = resty.New().
		SetBaseURL(c.baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(c.timeout).
		SetDebug(c.debug)
	// replies stream for as long as the model runs
	c.stream = resty.New().
		SetBaseURL(c.baseURL).
		SetHeader("Accept", "text/event-stream").
		SetDebug(c.debug)
	if c.token != "" {
		c.http.SetAuthToken(c.token)
		c.stream.SetAuthToken(c.token)
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return apiError(resp.StatusCode(), resp.Body())
	}
	if out == nil || resp.StatusCode() == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func apiError(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	e := &APIError{StatusCode: status}
	if json.Unmarshal(body, &payload) == nil {
		e.Message = payload.Message
		if e.Message == "" {
			e.Message = payload.Error
		}
	}
	return e
}

// Status fetches GET /status. It needs no token.
func (c *Client) Status(ctx context.Context) (*services.Status, error) {
	var out services.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncStatus fetches the sync indicator state.
func (c *Client) SyncStatus(ctx context.Context) (*services.SyncStatus, error) {
	var out services.SyncStatus
	if err := c.do(ctx, http.MethodGet, "/api/sync/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestSync asks the relay for an immediate sync cycle.
func (c *Client) RequestSync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/sync", nil, nil)
}

// ListConversations returns conversations, optionally filtered.
func (c *Client) ListConversations(ctx context.Context, archived, pinned *bool) ([]model.Conversation, error) {
	req := c.http.R().SetContext(ctx)
	if archived != nil {
		req.SetQueryParam("archived", fmt.Sprint(*archived))
	}
	if pinned != nil {
		req.SetQueryParam("pinned", fmt.Sprint(*pinned))
	}
	resp, err := req.Get("/api/conversations")
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), resp.Body())
	}
	var out []model.Conversation
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

// CreateConversation starts a new conversation. An empty title takes the
// relay's default.
func (c *Client) CreateConversation(ctx context.Context, title string, personaID *string) (*model.Conversation, error) {
	body := map[string]interface{}{"title": title}
	if personaID != nil {
		body["personaId"] = *personaID
	}
	var out model.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateConversation applies a partial update.
func (c *Client) UpdateConversation(ctx context.Context, id string, patch services.ConversationPatch) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodPatch, "/api/conversations/"+id, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+id, nil, nil)
}

// Messages returns a conversation's messages in order.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel stops the active generation and returns the partial message.
func (c *Client) Cancel(ctx context.Context, conversationID string) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMemories returns memory facts, optionally for one persona.
func (c *Client) ListMemories(ctx context.Context, personaID string) ([]model.MemoryEntry, error) {
	path := "/api/memories"
	if personaID != "" {
		path += "?personaId=" + personaID
	}
	var out []model.MemoryEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMemory stores a fact.
func (c *Client) CreateMemory(ctx context.Context, m model.MemoryEntry) (*model.MemoryEntry, error) {
	var out model.MemoryEntry
	if err := c.do(ctx, http.MethodPost, "/api/memories", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPersonas returns the active personas.
func (c *Client) ListPersonas(ctx context.Context) ([]model.Persona, error) {
	var out []model.Persona
	if err := c.do(ctx, http.MethodGet, "/api/personas", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePersona stores a persona.
func (c *Client) CreatePersona(ctx context.Context, p model.Persona) (*model.Persona, error) {
	var out model.Persona
	if err := c.do(ctx, http.MethodPost, "/api/personas", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send posts a user turn and returns the reply stream. The caller must
// Close it; closing detaches this listener without stopping generation.
func (c *Client) Send(ctx context.Context, conversationID string, req services.SendRequest) (*Stream, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/api/conversations/" + conversationID + "/messages")
	return openStream(resp, err)
}

// Join attaches to a generation already in progress.
func (c *Client) Join(ctx context.Context, conversationID string) (*Stream, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/api/conversations/" + conversationID + "/stream")
	return openStream(resp, err)
}

func openStream(resp *resty.Response, err error) (*Stream, error) {
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		_ = body.Close()
		return nil, apiError(resp.StatusCode(), msg)
	}
	return newStream(body, resp.Header().Get("X-Message-Id")), nil
}
