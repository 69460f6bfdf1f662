// Package openai provides a chat backend backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/parlavo/parlavo/pkg/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI chat Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return "openai" }

// Complete implements chat.Provider.
func (p *Provider) Complete(ctx context.Context, req chat.Request) (string, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, oai.SystemMessage(req.Instructions))
	}
	messages = append(messages, oai.UserMessage(req.Text))

	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	})
	if err != nil {
		return "", classifyError(p.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("openai: empty reply text")
	}
	return reply, nil
}

// classifyError maps SDK errors onto the chat error taxonomy. The SDK
// surfaces HTTP status in the error text; string matching is crude but keeps
// the taxonomy stable without depending on SDK error internals.
func classifyError(model string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid_api_key"):
		return fmt.Errorf("%w: %v", chat.ErrAuthInvalid, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "model_not_found"):
		return fmt.Errorf("%w: model %q: %v", chat.ErrModelUnavailable, model, err)
	}
	return fmt.Errorf("openai: chat completion: %w", err)
}
