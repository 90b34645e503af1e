package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultNLPBase  = "https://api.openai.com/v1"
	defaultNLPModel = "gpt-4o-mini"
	defaultTimeout  = 30 * time.Second
)

// Config configures the OpenAI-compatible provider.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint (Ollama, Azure OpenAI, ...).
	BaseURL string
	Model   string
	Timeout time.Duration
}

// openAIProvider implements Provider with the chat completions API in JSON
// mode.
type openAIProvider struct {
	cfg    Config
	client *http.Client
}

// New returns a Provider backed by the OpenAI (or compatible) chat API.
func New(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultNLPBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultNLPModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Temperature    float64      `json:"temperature"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"`
}

type oaiResponse struct {
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// complete runs one JSON-mode chat completion and returns the message
// content.
func (p *openAIProvider) complete(ctx context.Context, messages []oaiMessage, maxTokens int) (string, *TokenUsage, error) {
	data, err := json.Marshal(oaiRequest{
		Model:          p.cfg.Model,
		Messages:       messages,
		MaxTokens:      maxTokens,
		ResponseFormat: &oaiFormat{Type: "json_object"},
	})
	if err != nil {
		return "", nil, fmt.Errorf("nlp: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("nlp: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("nlp: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", nil, ErrRateLimit
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("nlp: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return "", nil, fmt.Errorf("nlp: decode API response (HTTP %d): %w", resp.StatusCode, err)
	}
	if oaiResp.Error != nil {
		return "", nil, fmt.Errorf("nlp: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return "", nil, fmt.Errorf("nlp: no choices returned (HTTP %d)", resp.StatusCode)
	}

	usage := &TokenUsage{Model: oaiResp.Model, LatencyMS: time.Since(start).Milliseconds()}
	if oaiResp.Usage != nil {
		usage.PromptTokens = oaiResp.Usage.PromptTokens
		usage.CompletionTokens = oaiResp.Usage.CompletionTokens
		usage.TotalTokens = oaiResp.Usage.TotalTokens
	}
	return oaiResp.Choices[0].Message.Content, usage, nil
}

// Classify implements Provider.
func (p *openAIProvider) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error) {
	messages := []oaiMessage{{Role: "system", Content: BuildClassifyPrompt(req.Devices, req.Scenes)}}
	for _, h := range req.History {
		role := h.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, oaiMessage{Role: role, Content: h.Content})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: req.Message})

	content, usage, err := p.complete(ctx, messages, 1024)
	if err != nil {
		return nil, err
	}
	var out ClassifyResponse
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: %v (raw content: %.200s)", ErrMalformedOutput, err, content)
	}
	out.Usage = usage
	return &out, nil
}

// Extract implements Provider. An answer with neither a code nor a failure
// reason is reported as a nil Extraction.
func (p *openAIProvider) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	messages := []oaiMessage{
		{Role: "system", Content: BuildExtractPrompt(req)},
		{Role: "user", Content: req.Text},
	}
	content, _, err := p.complete(ctx, messages, 256)
	if err != nil {
		return nil, err
	}
	var out Extraction
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: %v (raw content: %.200s)", ErrMalformedOutput, err, content)
	}
	out.Code = strings.TrimSpace(out.Code)
	if out.Code == "" && out.FailureReason == "" {
		return nil, nil
	}
	return &out, nil
}
