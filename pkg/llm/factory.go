package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Provider names accepted by the factory.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderOllama  = "ollama"
)

// ErrMissingAPIKey is returned when an OpenAI model is requested without a key.
var ErrMissingAPIKey = errors.New("OpenAI API key not configured")

// modelRules maps lower-cased model name prefixes to providers. The first
// match wins.
var modelRules = []struct {
	prefix   string
	provider string
}{
	{"text-embedding-", ProviderOpenAI},
	{"amazon.", ProviderBedrock},
	{"cohere.", ProviderBedrock},
	{"nomic-embed", ProviderOllama},
	{"mxbai-embed", ProviderOllama},
	{"all-minilm", ProviderOllama},
	{"bge-", ProviderOllama},
	{"snowflake-arctic-embed", ProviderOllama},
}

// DetectProvider guesses the provider serving model. Unknown models map to
// OpenAI and ok is false.
func DetectProvider(model string) (provider string, ok bool) {
	m := strings.ToLower(model)
	for _, r := range modelRules {
		if strings.HasPrefix(m, r.prefix) {
			return r.provider, true
		}
	}
	return ProviderOpenAI, false
}

// ClientFactoryConfig holds credentials and endpoints for every provider.
type ClientFactoryConfig struct {
	OpenAIAPIKey            string
	OpenAIBaseURL           string  // optional proxy
	OpenAIRequestsPerSecond float64 // client side pacing; zero disables it
	OllamaURL               string
	BedrockRegion           string
	Dimensions              int // zero keeps the provider default
	Logger                  hclog.Logger
}

// ClientFactory builds embedding providers from one configuration.
type ClientFactory struct {
	cfg ClientFactoryConfig
	log hclog.Logger
}

func NewClientFactory(cfg ClientFactoryConfig) *ClientFactory {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &ClientFactory{cfg: cfg, log: log}
}

// GetEmbeddingProvider returns the provider for model. An empty provider
// name is detected from the model.
func (f *ClientFactory) GetEmbeddingProvider(ctx context.Context, provider, model string) (EmbeddingProvider, error) {
	if provider == "" {
		var known bool
		provider, known = DetectProvider(model)
		if !known {
			f.log.Warn("unrecognised embedding model, assuming OpenAI", "model", model)
		}
	}
	if err := f.Check(provider); err != nil {
		return nil, err
	}

	f.log.Debug("selecting embedding provider", "provider", provider, "model", model)

	switch provider {
	case ProviderOpenAI:
		return f.openAI(model)
	case ProviderBedrock:
		return NewBedrockClient(ctx, BedrockConfig{
			Region:         f.cfg.BedrockRegion,
			EmbeddingModel: model,
			Dimensions:     f.cfg.Dimensions,
			Logger:         f.log,
		})
	case ProviderOllama:
		return NewOllamaClient(OllamaConfig{
			BaseURL:        f.cfg.OllamaURL,
			EmbeddingModel: model,
			Dimensions:     f.cfg.Dimensions,
			Logger:         f.log,
		})
	}
	return nil, fmt.Errorf("unsupported provider %q for model %q", provider, model)
}

// Check reports whether the factory holds the credentials provider needs.
// Bedrock uses the AWS credential chain and Ollama needs none.
func (f *ClientFactory) Check(provider string) error {
	switch provider {
	case ProviderOpenAI:
		if f.cfg.OpenAIAPIKey == "" {
			return ErrMissingAPIKey
		}
	case ProviderBedrock, ProviderOllama:
	default:
		return fmt.Errorf("unsupported provider %q", provider)
	}
	return nil
}

func (f *ClientFactory) openAI(model string) (*OpenAIClient, error) {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:            f.cfg.OpenAIAPIKey,
		BaseURL:           f.cfg.OpenAIBaseURL,
		EmbeddingModel:    model,
		Dimensions:        f.cfg.Dimensions,
		RequestsPerSecond: f.cfg.OpenAIRequestsPerSecond,
		Logger:            f.log,
	})
}
