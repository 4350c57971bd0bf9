package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelgateway/relay/pkg/httpclient"
)

const (
	perplexityEndpoint = "https://api.perplexity.ai/chat/completions"
	perplexityModel    = "sonar-pro"
)

type perplexityArgs struct {
	Query string `json:"query" jsonschema:"required,description=Question to research"`
}

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Choices []struct {
		Message perplexityMessage `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// PerplexityTool proxies a research query to Perplexity's sonar-pro model.
type PerplexityTool struct {
	apiKey  string
	client  *httpclient.Client
	timeout time.Duration
}

func NewPerplexityTool(apiKey string, opts ...httpclient.Option) *PerplexityTool {
	return &PerplexityTool{
		apiKey:  apiKey,
		client:  httpclient.New(opts...),
		timeout: 60 * time.Second,
	}
}

func (t *PerplexityTool) Name() string { return "@perplexity-sonar-pro" }

func (t *PerplexityTool) Description() string {
	return "Answer a research question with Perplexity sonar-pro, including source citations."
}

func (t *PerplexityTool) InputSchema() map[string]any {
	return reflectSchema[perplexityArgs]()
}

func (t *PerplexityTool) Timeout() time.Duration { return t.timeout }

func (t *PerplexityTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args, err := decodeArgs[perplexityArgs](input)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(perplexityRequest{
		Model: perplexityModel,
		Messages: []perplexityMessage{
			{Role: "user", Content: args.Query},
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, perplexityEndpoint,
		bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("perplexity returned status %d", resp.StatusCode)
	}

	var parsed perplexityResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding perplexity response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("perplexity returned no choices")
	}
	return map[string]any{
		"answer":    parsed.Choices[0].Message.Content,
		"citations": parsed.Citations,
	}, nil
}
