// Package gemini implements the chat.Provider contract against the Gemini
// REST generateContent endpoint.
//
// Newer models roll out unevenly across API versions and regions, so the
// provider keeps an ordered candidate list and walks down it whenever the
// current model comes back 404 or "not found/unsupported". Any other failure
// is returned immediately — a quota error on the first model will not be
// retried against the second.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/parlavo/parlavo/pkg/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*Provider)(nil)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultModels is the candidate list tried in order when none is configured.
var DefaultModels = []string{
	"gemini-2.5-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// modelUnavailableRe matches error bodies that indicate the model itself is
// the problem rather than the request.
var modelUnavailableRe = regexp.MustCompile(`(?i)not found|unsupported`)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModels replaces the default model candidate list.
func WithModels(models ...string) Option {
	return func(p *Provider) {
		if len(models) > 0 {
			p.models = models
		}
	}
}

// WithBaseURL overrides the API base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider calls the Gemini generateContent REST endpoint.
type Provider struct {
	apiKey  string
	models  []string
	baseURL string
	client  *http.Client
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		models:  DefaultModels,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return "gemini" }

// ── Wire types ─────────────────────────────────────────────────────────────────

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// ── Completion ─────────────────────────────────────────────────────────────────

// Complete implements chat.Provider. Candidates are tried in order; only a
// model-unavailable response advances to the next one.
func (p *Provider) Complete(ctx context.Context, req chat.Request) (string, error) {
	text := req.Text
	if req.Instructions != "" {
		// v1beta generateContent has no system role; prepend instructions to
		// the user message instead.
		text = req.Instructions + "\n\nUser: " + req.Text
	}

	var lastErr error
	for _, model := range p.models {
		reply, err := p.generate(ctx, model, text)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !isModelUnavailable(err) {
			return "", err
		}
		slog.Debug("model unavailable, trying next candidate",
			"model", model, "error", err)
	}
	return "", fmt.Errorf("%w: %v", chat.ErrModelUnavailable, lastErr)
}

// generate performs one generateContent call against a specific model.
func (p *Provider) generate(ctx context.Context, model, text string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: text}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gemini: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(model, resp.StatusCode, respBody)
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty candidates in response")
	}

	var sb strings.Builder
	for _, pt := range gr.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", fmt.Errorf("gemini: empty reply text")
	}
	return reply, nil
}

// classifyHTTPError maps an error response onto the chat error taxonomy.
func classifyHTTPError(model string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", chat.ErrAuthInvalid, status, msg)
	case status == http.StatusNotFound || modelUnavailableRe.MatchString(msg):
		return fmt.Errorf("%w: model %q: HTTP %d: %s", chat.ErrModelUnavailable, model, status, msg)
	}
	return fmt.Errorf("gemini: HTTP %d: %s", status, msg)
}

// isModelUnavailable reports whether err should advance the fallback list.
func isModelUnavailable(err error) bool {
	return errors.Is(err, chat.ErrModelUnavailable)
}
