// Package rest talks to a row-level REST mirror and serves any remote.Mirror
// over the same protocol.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	gosse "github.com/tmaxmax/go-sse"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/sse"
)

// Client is a remote.Mirror over HTTP.
type Client struct {
	http    *resty.Client
	feed    *resty.Client
	baseURL string
	log     zerolog.Logger
}

// New returns a client for baseURL. timeout bounds every non-streaming call.
func New(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	c := resty.New().
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	// the change feed stays open indefinitely
	feed := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "text/event-stream")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
		feed.SetAuthToken(apiKey)
	}
	return &Client{http: c, feed: feed, baseURL: base, log: log.With().Str("component", "remote_rest").Logger()}
}

func (c *Client) Name() string { return "rest:" + c.baseURL }

type pullResponse struct {
	Records []remote.Record `json:"records"`
	Cursor  remote.Cursor   `json:"cursor"`
}

func (c *Client) Push(ctx context.Context, rec remote.Record, expectedVersion int64) (remote.Record, error) {
	var out remote.Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("If-Match", strconv.FormatInt(expectedVersion, 10)).
		SetPathParams(map[string]string{"type": string(rec.Type), "id": rec.ID}).
		SetBody(&rec).
		Put("/rows/{type}/{id}")
	if err != nil {
		return out, remote.NewNetworkError("push", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return out, remote.NewInvalidError("push decode", err)
		}
		return out, nil
	case http.StatusConflict:
		var cur remote.Record
		if err := json.Unmarshal(resp.Body(), &cur); err != nil {
			return out, remote.NewInvalidError("push conflict decode", err)
		}
		return out, &remote.ConflictError{Current: cur}
	default:
		return out, remote.NewHTTPError(resp.StatusCode(), resp.String(), "push")
	}
}

func (c *Client) Pull(ctx context.Context, t model.EntityType, since remote.Cursor, limit int) ([]remote.Record, remote.Cursor, error) {
	var out pullResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("type", string(t)).
		SetQueryParam("since", strconv.FormatInt(int64(since), 10)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get("/rows/{type}")
	if err != nil {
		return nil, since, remote.NewNetworkError("pull", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, since, remote.NewHTTPError(resp.StatusCode(), resp.String(), "pull")
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, since, remote.NewInvalidError("pull decode", err)
	}
	if out.Cursor < since {
		out.Cursor = since
	}
	return out.Records, out.Cursor, nil
}

// Subscribe opens GET /changes/{type} and decodes its SSE events.
func (c *Client) Subscribe(ctx context.Context, t model.EntityType) (<-chan remote.Change, error) {
	resp, err := c.feed.R().
		SetContext(ctx).
		SetPathParam("type", string(t)).
		SetDoNotParseResponse(true).
		Get("/changes/{type}")
	if err != nil {
		return nil, remote.NewNetworkError("subscribe", err)
	}
	body := resp.RawBody()
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotImplemented, http.StatusNotFound:
		_ = body.Close()
		return nil, remote.ErrFeedUnavailable
	default:
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		_ = body.Close()
		return nil, remote.NewHTTPError(resp.StatusCode(), string(msg), "subscribe")
	}

	out := make(chan remote.Change, 16)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()
		for ev, err := range gosse.Read(body, sse.ReadConfig) {
			if err != nil {
				if ctx.Err() == nil {
					c.log.Debug().Err(err).Str("entity_type", string(t)).Msg("change feed dropped")
				}
				return
			}
			var ch remote.Change
			if err := json.Unmarshal([]byte(ev.Data), &ch); err != nil {
				continue
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) HealthPing(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return remote.NewNetworkError("health", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("remote health: HTTP %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) Close() error { return nil }
