// Package llm provides the worker's readiness-probe and generic text
// generation client for the underlying reasoning model.
package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/muxite/taskplane/internal/common"
)

const DefaultModel = "gemini-3-flash-preview"

// Client wraps the generative model API behind the minimal surface the
// worker needs: a readiness probe and a single-shot content call.
type Client struct {
	client *genai.Client
	model  string
	logger *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithModel overrides the default model name.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithLogger attaches a logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient connects to the generative API backend.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return nil
}

// GenerateContent generates text from prompt.
func (c *Client) GenerateContent(ctx context.Context, prompt string) (string, error) {
	c.logger.Debug().Str("model", c.model).Msg("generating content")

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return extractText(result)
}

// Ping is a minimal best-effort readiness probe used at worker startup: it
// issues a trivial generation call and reports only whether the backend
// responded, never failing startup on error.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.GenerateContent(ctx, "ping")
	if err != nil {
		c.logger.Warn().Err(err).Msg("llm readiness probe failed")
		return false
	}
	return true
}

func extractText(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text, nil
}
