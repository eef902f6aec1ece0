package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

const (
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOpenAIDimensions     = 1536
)

// OpenAIClient talks to the OpenAI embeddings and chat completions APIs.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	pacer      *rate.Limiter
	logger     hclog.Logger
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey         string        // OpenAI API key
	BaseURL        string        // Base URL (default: https://api.openai.com/v1)
	EmbeddingModel string        // Default: text-embedding-3-small
	Dimensions     int           // Default: 1536
	Timeout        time.Duration // HTTP timeout (default: 60s)
	// RequestsPerSecond paces outgoing requests client side. Zero disables pacing.
	RequestsPerSecond float64
	Logger            hclog.Logger // Logger (optional)
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultOpenAIEmbeddingModel
	}
	if config.Dimensions == 0 {
		config.Dimensions = defaultOpenAIDimensions
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &OpenAIClient{
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		model:      config.EmbeddingModel,
		dimensions: config.Dimensions,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		pacer:  rate.NewLimiter(limit, 1),
		logger: config.Logger.Named("openai-client"),
	}, nil
}

func (c *OpenAIClient) Name() string    { return "openai" }
func (c *OpenAIClient) Model() string   { return c.model }
func (c *OpenAIClient) Dimensions() int { return c.dimensions }

// Embed embeds text with the configured model and dimensions.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.GenerateEmbeddings(ctx, text, c.model, c.dimensions)
	if err != nil {
		return nil, err
	}
	return toFloat32(vec), nil
}

// EmbedBatch embeds texts in a single request.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.GenerateEmbeddingsBatch(ctx, texts, c.model, c.dimensions)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		out[i] = toFloat32(v)
	}
	return out, nil
}

// GenerateEmbeddings generates an embedding for one input.
func (c *OpenAIClient) GenerateEmbeddings(ctx context.Context, text, model string, dimensions int) ([]float64, error) {
	resp, err := c.embeddings(ctx, OpenAIEmbeddingsRequest{
		Model:      model,
		Input:      text,
		Dimensions: dimensions,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data[0].Embedding, nil
}

// GenerateEmbeddingsBatch generates embeddings for several inputs, returned
// in input order.
func (c *OpenAIClient) GenerateEmbeddingsBatch(ctx context.Context, texts []string, model string, dimensions int) ([][]float64, error) {
	resp, err := c.embeddings(ctx, OpenAIEmbeddingsRequest{
		Model:      model,
		Input:      texts,
		Dimensions: dimensions,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	sort.Slice(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})

	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *OpenAIClient) embeddings(ctx context.Context, reqBody OpenAIEmbeddingsRequest) (*OpenAIEmbeddingsResponse, error) {
	respBody, err := c.post(ctx, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}

	var embResp OpenAIEmbeddingsResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	c.logger.Trace("generated embeddings",
		"model", embResp.Model,
		"count", len(embResp.Data),
		"total_tokens", embResp.Usage.TotalTokens,
	)
	return &embResp, nil
}

func (c *OpenAIClient) newRequest(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp, respBody)
	}
	return respBody, nil
}

func (c *OpenAIClient) errorFromResponse(resp *http.Response, body []byte) error {
	msg := string(body)
	var errResp OpenAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Provider:   "openai",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    msg,
		}
	}
	return &APIError{Provider: "OpenAI", StatusCode: resp.StatusCode, Message: msg}
}

// StreamCompletion streams a chat completion using server-sent events.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, creq CompletionRequest) (<-chan Fragment, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	messages := []OpenAIChatMessage{}
	if creq.System != "" {
		messages = append(messages, OpenAIChatMessage{Role: "system", Content: creq.System})
	}
	messages = append(messages, OpenAIChatMessage{Role: "user", Content: creq.Prompt})

	req, err := c.newRequest(ctx, "/chat/completions", OpenAIChatRequest{
		Model:       creq.Model,
		Messages:    messages,
		MaxTokens:   creq.MaxTokens,
		Temperature: creq.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The client timeout would cut long streams; ctx governs lifetime instead.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, c.errorFromResponse(resp, body)
	}

	ch := make(chan Fragment)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var chunk OpenAIChatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				sendFragment(ctx, ch, Fragment{Err: fmt.Errorf("failed to parse stream chunk: %w", err)})
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !sendFragment(ctx, ch, Fragment{Text: choice.Delta.Content}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			sendFragment(ctx, ch, Fragment{Err: fmt.Errorf("stream interrupted: %w", err)})
		}
	}()
	return ch, nil
}

// sendFragment delivers f unless ctx is done first.
func sendFragment(ctx context.Context, ch chan<- Fragment, f Fragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// OpenAI API types

type OpenAIEmbeddingsRequest struct {
	Model string `json:"model"`
	// Input is a string or a list of strings.
	Input      interface{} `json:"input"`
	Dimensions int         `json:"dimensions,omitempty"`
}

type OpenAIEmbeddingsResponse struct {
	Object string                `json:"object"`
	Data   []OpenAIEmbeddingData `json:"data"`
	Model  string                `json:"model"`
	Usage  OpenAIEmbeddingsUsage `json:"usage"`
}

type OpenAIEmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type OpenAIEmbeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type OpenAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []OpenAIChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type OpenAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIChatStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type OpenAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
