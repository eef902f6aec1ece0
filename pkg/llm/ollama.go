package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultOllamaEmbeddingModel = "nomic-embed-text"
	defaultOllamaDimensions     = 768
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	logger     hclog.Logger
}

// OllamaConfig holds configuration for the Ollama client.
type OllamaConfig struct {
	BaseURL        string        // Base URL (default: http://localhost:11434)
	EmbeddingModel string        // Default: nomic-embed-text
	Dimensions     int           // Default: 768
	Timeout        time.Duration // HTTP timeout (default: 300s for local generation)
	Logger         hclog.Logger  // Logger (optional)
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(config OllamaConfig) (*OllamaClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultOllamaEmbeddingModel
	}
	if config.Dimensions == 0 {
		config.Dimensions = defaultOllamaDimensions
	}
	if config.Timeout == 0 {
		config.Timeout = 300 * time.Second // Local models can be slow
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	return &OllamaClient{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		model:      config.EmbeddingModel,
		dimensions: config.Dimensions,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: config.Logger.Named("ollama-client"),
	}, nil
}

func (c *OllamaClient) Name() string    { return "ollama" }
func (c *OllamaClient) Model() string   { return c.model }
func (c *OllamaClient) Dimensions() int { return c.dimensions }

// Embed calls /api/embeddings.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	reqJSON, err := json.Marshal(OllamaEmbeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp, respBody)
	}

	var embResp OllamaEmbeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}

	return toFloat32(embResp.Embedding), nil
}

func (c *OllamaClient) errorFromResponse(resp *http.Response, body []byte) error {
	msg := string(body)
	var errResp OllamaErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Provider:   "ollama",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    msg,
		}
	}
	return &APIError{Provider: "Ollama", StatusCode: resp.StatusCode, Message: msg}
}

// StreamCompletion streams /api/chat, which answers with one JSON object
// per line.
func (c *OllamaClient) StreamCompletion(ctx context.Context, creq CompletionRequest) (<-chan Fragment, error) {
	messages := []OllamaChatMessage{}
	if creq.System != "" {
		messages = append(messages, OllamaChatMessage{Role: "system", Content: creq.System})
	}
	messages = append(messages, OllamaChatMessage{Role: "user", Content: creq.Prompt})

	body := OllamaChatRequest{
		Model:    creq.Model,
		Messages: messages,
		Stream:   true,
	}
	if creq.MaxTokens > 0 || creq.Temperature > 0 {
		body.Options = &OllamaOptions{Temperature: creq.Temperature, NumPredict: creq.MaxTokens}
	}

	reqJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, c.errorFromResponse(resp, respBody)
	}

	ch := make(chan Fragment)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk OllamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				sendFragment(ctx, ch, Fragment{Err: fmt.Errorf("failed to parse stream chunk: %w", err)})
				return
			}
			if chunk.Error != "" {
				sendFragment(ctx, ch, Fragment{Err: &APIError{Provider: "Ollama", StatusCode: http.StatusOK, Message: chunk.Error}})
				return
			}
			if chunk.Message.Content != "" {
				if !sendFragment(ctx, ch, Fragment{Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				return
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

// Ollama API types

type OllamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type OllamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

type OllamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []OllamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *OllamaOptions      `json:"options,omitempty"`
}

type OllamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OllamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type OllamaChatResponse struct {
	Model     string            `json:"model"`
	CreatedAt string            `json:"created_at"`
	Message   OllamaChatMessage `json:"message"`
	Done      bool              `json:"done"`
	Error     string            `json:"error,omitempty"`
}

type OllamaErrorResponse struct {
	Error string `json:"error"`
}
