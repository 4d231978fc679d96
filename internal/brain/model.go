// Package brain generates agent responses. A Model is one LLM provider
// behind genkit; the Generator layers persona prompts, bounded retries,
// provider failover, and directive post-processing on top.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Request is one generation call.
type Request struct {
	System string
	Prompt string
}

// Model is the language model capability.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateStream(ctx context.Context, req Request, onChunk func(text string) error) error
}

// GenkitModel is a Model on one configured genkit provider.
type GenkitModel struct {
	g        *genkit.Genkit
	provider string
	model    string
	live     bool
	logger   *slog.Logger
}

// NewGenkitModel initializes genkit for the provider. A missing API key does
// not fail construction; the model reports ErrNotConfigured per call so the
// conversation can degrade instead of dying.
func NewGenkitModel(ctx context.Context, provider, modelID, apiKey, baseURL string, logger *slog.Logger) *GenkitModel {
	if logger == nil {
		logger = slog.Default()
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "google"
	}
	modelID = strings.TrimSpace(modelID)
	apiKey = strings.TrimSpace(apiKey)

	var g *genkit.Genkit
	live := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: baseURL,
			}))
			live = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  baseURL,
			}))
			live = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai_compatible",
				APIKey:   apiKey,
				BaseURL:  baseURL,
			}))
			live = true
		}
	case "openrouter":
		if apiKey != "" {
			if baseURL == "" {
				baseURL = "https://openrouter.ai/api/v1"
			}
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  baseURL,
			}))
			live = true
		}
	case "google":
		if apiKey != "" {
			// The googlegenai plugin reads its key from the environment.
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			live = true
		}
	}

	if g == nil {
		g = genkit.Init(ctx)
		logger.Warn("llm provider has no API key, responses will degrade",
			"provider", provider)
	} else {
		logger.Info("llm provider initialized", "provider", provider, "model", modelID)
	}

	return &GenkitModel{g: g, provider: provider, model: modelID, live: live, logger: logger}
}

// Provider returns the provider name, for breaker tracking and status output.
func (m *GenkitModel) Provider() string { return m.provider }

// Live reports whether the provider has credentials.
func (m *GenkitModel) Live() bool { return m.live }

// Generate implements Model.
func (m *GenkitModel) Generate(ctx context.Context, req Request) (string, error) {
	if !m.live {
		return "", ErrNotConfigured
	}
	resp, err := genkit.Generate(ctx, m.g, m.options(req)...)
	if err != nil {
		return "", fmt.Errorf("generate (%s): %w", m.provider, err)
	}
	return resp.Text(), nil
}

// GenerateStream implements Model, invoking onChunk per text chunk.
func (m *GenkitModel) GenerateStream(ctx context.Context, req Request, onChunk func(text string) error) error {
	if !m.live {
		return ErrNotConfigured
	}
	stream := genkit.GenerateStream(ctx, m.g, m.options(req)...)
	for streamVal, err := range stream {
		if err != nil {
			return fmt.Errorf("stream (%s): %w", m.provider, err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (m *GenkitModel) options(req Request) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithModelName(qualifiedModelName(m.provider, m.model)),
		ai.WithPrompt(req.Prompt),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		// Escape % so ai.WithSystem's formatting cannot corrupt the prompt.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	return opts
}

// qualifiedModelName prefixes the model id the way each genkit plugin
// registers its models.
func qualifiedModelName(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
