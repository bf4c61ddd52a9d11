// Package llm provides the two-operation provider surface the pipeline
// consumes (structured completion and embedding) and an OpenAI-compatible
// HTTP client implementing it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ordermail/internal/model"
)

// Params tunes a single completion call.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the LLM surface: JSON completion and embeddings.
type Provider interface {
	// Complete sends prompt and returns the model's JSON output. The
	// response is expected to be a single JSON object.
	Complete(ctx context.Context, prompt string, params Params) (json.RawMessage, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config configures the HTTP client.
type Config struct {
	APIKey         string
	Endpoint       string
	Model          string
	EmbedModel     string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	RetryCount     int
	RequestsPerMin int
}

// HTTPClient implements Provider against an OpenAI-compatible API.
type HTTPClient struct {
	config     *Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates an LLM client.
func NewHTTPClient(config *Config) *HTTPClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rpm := config.RequestsPerMin
	if rpm <= 0 {
		rpm = 60
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements Provider.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, params Params) (json.RawMessage, error) {
	temperature := params.Temperature
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}

	req := chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("LLM response is not valid JSON")
	}
	return json.RawMessage(content), nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed implements Provider.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := embedRequest{Model: c.config.EmbedModel, Input: texts}
	var resp embedResponse
	if err := c.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// post sends one JSON request with rate limiting and bounded retries on
// transient failures.
func (c *HTTPClient) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	retries := c.config.RetryCount
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = c.doPost(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !model.IsTransient(lastErr) {
			return lastErr
		}
		// Exponential backoff between transient failures.
		if attempt < retries-1 {
			delay := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("LLM call failed after %d attempts: %w", retries, lastErr)
}

func (c *HTTPClient) doPost(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.config.Endpoint, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Transient("llm request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return model.Transient("llm request", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LLM API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stripCodeFence removes a leading ```json fence some models wrap around
// JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
