// Package openai streams completions from an OpenAI-compatible chat endpoint
// (OpenAI, llama.cpp server, ollama, vLLM).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	gosse "github.com/tmaxmax/go-sse"

	"github.com/yourownai/relay/internal/inference"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/sse"
)

// Provider is an inference.Generator backed by /v1/chat/completions.
type Provider struct {
	client *resty.Client
	model  string
}

// New returns a provider for baseURL. apiKey may be empty for local servers.
func New(baseURL, modelName, apiKey string) *Provider {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetTimeout(10 * time.Minute)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Provider{client: c, model: modelName}
}

func (p *Provider) Name() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func roleName(r model.Role) string {
	switch r {
	case model.RoleAssistant:
		return "assistant"
	case model.RoleSystem:
		return "system"
	}
	return "user"
}

// Generate opens the stream. Request errors are returned directly; errors
// after the first byte arrive as the final Delta.
func (p *Provider) Generate(ctx context.Context, pr inference.Prompt) (<-chan inference.Delta, error) {
	req := chatRequest{Model: p.model, Stream: true}
	if pr.Model != "" {
		req.Model = pr.Model
	}
	if pr.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: pr.System})
	}
	for _, t := range pr.History {
		req.Messages = append(req.Messages, chatMessage{Role: roleName(t.Role), Content: t.Content})
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(&req).
		SetDoNotParseResponse(true).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		_ = body.Close()
		return nil, fmt.Errorf("inference status %d: %s", resp.StatusCode(), strings.TrimSpace(string(msg)))
	}

	out := make(chan inference.Delta)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		send := func(d inference.Delta) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for ev, err := range gosse.Read(body, sse.ReadConfig) {
			if err != nil {
				if ctx.Err() == nil {
					send(inference.Delta{Err: fmt.Errorf("inference stream: %w", err)})
				}
				return
			}
			data := strings.TrimSpace(ev.Data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				send(inference.Delta{Err: fmt.Errorf("inference error: %s", chunk.Error.Message)})
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(inference.Delta{Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return out, nil
}
