package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/discernus/discernus/config"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Local     Client = "local"
)

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single structured LLM interaction. Callers that
// require strict JSON output set JSONOnly so the provider can enforce it.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONOnly    bool
}

// Usage accounts for a single LLM call
type Usage struct {
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Latency          time.Duration `json:"latency_ns"`
}

// CompletionResult carries the model output plus accounting
type CompletionResult struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	CreateEmbedding(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// ErrNoModel is returned when routing cannot resolve a model for a phase.
var ErrNoModel = errors.New("no model configured for phase")

// Router resolves pipeline phases to configured models and providers.
type Router struct {
	cfg      config.LLMConfig
	provider Provider
}

// NewRouter builds a Router over the configured providers. Only the openai
// provider type is implemented; others fail at construction.
func NewRouter(cfg config.LLMConfig, p Provider) *Router {
	return &Router{cfg: cfg, provider: p}
}

// ModelFor returns the model id routed to a pipeline phase, falling back to
// the configured fallback model.
func (r *Router) ModelFor(phase string) (string, error) {
	var m string
	switch phase {
	case "analysis":
		m = r.cfg.Routing.Analysis
	case "evidence":
		m = r.cfg.Routing.Evidence
	case "verification":
		m = r.cfg.Routing.Verification
	case "synthesis":
		m = r.cfg.Routing.Synthesis
	case "embedding":
		m = r.cfg.Routing.Embedding
	}
	if m == "" {
		m = r.cfg.Routing.Fallback
	}
	if m == "" {
		return "", fmt.Errorf("%w: %s", ErrNoModel, phase)
	}
	return m, nil
}

// ModelConfig looks up the model definition across configured providers.
func (r *Router) ModelConfig(model string) (config.LLMModel, bool) {
	for _, p := range r.cfg.Providers {
		if mc, ok := p.Models[model]; ok {
			return mc, true
		}
	}
	return config.LLMModel{}, false
}

// Complete routes a request for the given phase and fills model defaults
// (api name, temperature, max tokens) from configuration.
func (r *Router) Complete(ctx context.Context, phase string, messages []Message, jsonOnly bool) (CompletionResult, error) {
	model, err := r.ModelFor(phase)
	if err != nil {
		return CompletionResult{}, err
	}
	req := CompletionRequest{Model: model, Messages: messages, JSONOnly: jsonOnly}
	if mc, ok := r.ModelConfig(model); ok {
		if mc.APIName != "" {
			req.Model = mc.APIName
		}
		req.Temperature = mc.Temperature
		req.MaxTokens = mc.MaxTokens
	}
	res, err := r.provider.Complete(ctx, req)
	if err != nil {
		return CompletionResult{}, err
	}
	if mc, ok := r.ModelConfig(model); ok {
		res.Usage.CostUSD = float64(res.Usage.PromptTokens)/1000*mc.CostPer1K +
			float64(res.Usage.CompletionTokens)/1000*mc.CostPer1KOutput
	}
	res.Model = model
	return res, nil
}

// Embed routes an embedding request through the embedding model.
func (r *Router) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model, err := r.ModelFor("embedding")
	if err != nil {
		return nil, err
	}
	if mc, ok := r.ModelConfig(model); ok && mc.APIName != "" {
		model = mc.APIName
	}
	return r.provider.CreateEmbedding(ctx, model, texts)
}
