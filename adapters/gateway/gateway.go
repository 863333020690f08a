// Package gateway calls LLM backends through an OpenAI-compatible gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the backend answers without any choice.
var ErrEmptyResponse = errors.New("empty response from model")

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Referer string // sent as HTTP-Referer, some gateways attribute traffic by it
	Title   string // sent as X-Title
}

// Client implements ports.ModelBackend.
type Client struct {
	api *openai.Client
}

// New creates a gateway client. Call timeouts come from the caller's context.
func New(cfg Config) *Client {
	key := cfg.APIKey
	if key == "" {
		key = "sk-none"
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			referer: cfg.Referer,
			title:   cfg.Title,
		},
	}
	return &Client{api: openai.NewClientWithConfig(oc)}
}

func request(m model.Descriptor, prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: m.Backend(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

// Complete runs a prompt and waits for the whole answer.
func (c *Client) Complete(ctx context.Context, m model.Descriptor, prompt string) (ports.Completion, error) {
	resp, err := c.api.CreateChatCompletion(ctx, request(m, prompt))
	if err != nil {
		return ports.Completion{}, describe(m, err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("%s: %w", m.ID, ErrEmptyResponse)
	}
	return ports.Completion{
		Text:  resp.Choices[0].Message.Content,
		Usage: usage.NewTokenUsage(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)),
	}, nil
}

// Stream runs a prompt and calls onChunk for every non-empty delta, in order.
// Token usage comes from the final usage chunk the gateway sends.
func (c *Client) Stream(ctx context.Context, m model.Descriptor, prompt string, onChunk func(string)) (ports.Completion, error) {
	req := request(m, prompt)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return ports.Completion{}, describe(m, err)
	}
	defer stream.Close()

	var text strings.Builder
	var out ports.Completion
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ports.Completion{}, describe(m, err)
		}
		if resp.Usage != nil {
			out.Usage = usage.NewTokenUsage(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
		}
		for _, choice := range resp.Choices {
			if delta := choice.Delta.Content; delta != "" {
				text.WriteString(delta)
				if onChunk != nil {
					onChunk(delta)
				}
			}
		}
	}

	out.Text = text.String()
	return out, nil
}

// describe turns client errors into short messages safe to show per model.
func describe(m model.Descriptor, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: backend returned %d: %s", m.ID, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%s: backend returned %d", m.ID, reqErr.HTTPStatusCode)
	}
	return fmt.Errorf("%s: %w", m.ID, err)
}

type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.referer == "" && t.title == "" {
		return t.base.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	if t.referer != "" {
		r.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		r.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(r)
}

// Ensure interface compliance.
var _ ports.ModelBackend = (*Client)(nil)
