// Package mock provides a deterministic offline embedding provider for
// tests and local development.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp-forge/embedsearch/pkg/llm"
)

// Provider returns vectors derived from a hash of the input, so equal text
// always yields an equal vector.
type Provider struct {
	name       string
	model      string
	dimensions int
	delay      time.Duration

	mu       sync.Mutex
	calls    int
	failures []error
	failFor  map[string]error
}

// NewProvider creates a mock provider with 8 dimensions.
func NewProvider() *Provider {
	return &Provider{
		name:       "mock",
		model:      "mock-embed-v1",
		dimensions: 8,
		failFor:    map[string]error{},
	}
}

// WithName sets a custom provider name.
func (p *Provider) WithName(name string) *Provider {
	p.name = name
	return p
}

// WithDimensions sets the vector length.
func (p *Provider) WithDimensions(d int) *Provider {
	p.dimensions = d
	return p
}

// WithModel sets the reported model version.
func (p *Provider) WithModel(model string) *Provider {
	p.model = model
	return p
}

// WithDelay adds latency to every call.
func (p *Provider) WithDelay(d time.Duration) *Provider {
	p.delay = d
	return p
}

// FailNext queues errors returned by the next calls, in order.
func (p *Provider) FailNext(errs ...error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
	return p
}

// FailFor makes every call for text return err.
func (p *Provider) FailFor(text string, err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFor[text] = err
	return p
}

// Calls returns the number of Embed calls made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Model() string   { return p.model }
func (p *Provider) Dimensions() int { return p.dimensions }

// Embed returns a unit vector seeded from the SHA-256 of text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	var err error
	if len(p.failures) > 0 {
		err, p.failures = p.failures[0], p.failures[1:]
	} else if e, ok := p.failFor[text]; ok {
		err = e
	}
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if err != nil {
		return nil, err
	}

	return Vector(text, p.dimensions), nil
}

// Vector is the deterministic embedding Embed returns for text.
func Vector(text string, dimensions int) []float32 {
	vec := make([]float32, dimensions)
	seed := sha256.Sum256([]byte(text))
	var norm float64
	for i := range vec {
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		u := binary.BigEndian.Uint32(block[:4])
		v := float64(u)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	scale := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * scale)
	}
	return vec
}

// StreamCompletion echoes a canned answer word by word.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Fragment, error) {
	words := strings.Fields(fmt.Sprintf("mock answer to: %s", req.Prompt))
	ch := make(chan llm.Fragment)
	go func() {
		defer close(ch)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case ch <- llm.Fragment{Text: w}:
			case <-ctx.Done():
				return
			}
			if p.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.delay):
				}
			}
		}
	}()
	return ch, nil
}

var (
	_ llm.EmbeddingProvider  = (*Provider)(nil)
	_ llm.CompletionStreamer = (*Provider)(nil)
)
