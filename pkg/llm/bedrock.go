package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/hashicorp/go-hclog"
)

const (
	defaultBedrockEmbeddingModel = "amazon.titan-embed-text-v2:0"
	defaultBedrockDimensions     = 1024
)

// BedrockInvokeAPI is the subset of the Bedrock runtime client used here.
// This allows for testing with mocks.
type BedrockInvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient embeds text with Amazon Titan models on AWS Bedrock.
type BedrockClient struct {
	client     BedrockInvokeAPI
	model      string
	dimensions int
	logger     hclog.Logger
}

// BedrockConfig holds configuration for the Bedrock client.
type BedrockConfig struct {
	Region         string       // AWS region (default: us-east-1)
	EmbeddingModel string       // Default: amazon.titan-embed-text-v2:0
	Dimensions     int          // Titan v2 accepts 256, 512 or 1024 (default)
	Logger         hclog.Logger // Logger (optional)
}

// NewBedrockClient creates a Bedrock client from the default AWS
// credential chain.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

func newBedrockClient(api BedrockInvokeAPI, cfg BedrockConfig) *BedrockClient {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultBedrockEmbeddingModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultBedrockDimensions
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &BedrockClient{
		client:     api,
		model:      cfg.EmbeddingModel,
		dimensions: cfg.Dimensions,
		logger:     cfg.Logger.Named("bedrock-client"),
	}
}

func (c *BedrockClient) Name() string    { return "bedrock" }
func (c *BedrockClient) Model() string   { return c.model }
func (c *BedrockClient) Dimensions() int { return c.dimensions }

// Embed invokes the Titan embedding model.
func (c *BedrockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(TitanEmbeddingRequest{
		InputText:  text,
		Dimensions: c.dimensions,
		Normalize:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		var throttled *types.ThrottlingException
		if errors.As(err, &throttled) {
			return nil, &RateLimitError{Provider: "bedrock", Message: throttled.ErrorMessage()}
		}
		var unavailable *types.ServiceUnavailableException
		if errors.As(err, &unavailable) {
			return nil, &APIError{Provider: "Bedrock", StatusCode: 503, Message: unavailable.ErrorMessage()}
		}
		return nil, fmt.Errorf("bedrock InvokeModel failed: %w", err)
	}

	var resp TitanEmbeddingResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}

	c.logger.Trace("generated embedding",
		"model", c.model,
		"input_tokens", resp.InputTextTokenCount,
	)
	return resp.Embedding, nil
}

// Titan API types

type TitanEmbeddingRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type TitanEmbeddingResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}
