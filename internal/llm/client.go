// Package llm abstracts the language-model backend behind a synchronous
// completion call, with a deterministic mock and a remote Gemini client.
package llm

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// Client completes a prompt into text. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Provider() string
}

// Factory builds per-run clients. All real clients share one HTTP
// transport and one in-flight semaphore so the provider rate limit is
// respected process-wide.
type Factory struct {
	cfg    config.LLMConfig
	logger *logger.Logger
	http   *http.Client
	sem    *semaphore.Weighted
}

// NewFactory creates a client factory from the LLM configuration.
func NewFactory(cfg config.LLMConfig, log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Default()
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	return &Factory{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "llm")),
		http:   &http.Client{Timeout: 120 * time.Second},
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// DefaultProvider is the provider used when a specification does not
// name one: real when USE_REAL_LM is set, mock otherwise.
func (f *Factory) DefaultProvider() v1.ModelProvider {
	if f.cfg.UseReal {
		return v1.ProviderReal
	}
	return v1.ProviderMock
}

// ClientFor returns the client for one run. The per-run API key, when
// supplied, overrides the configured one; it is held in memory only.
func (f *Factory) ClientFor(provider v1.ModelProvider, model, apiKey string) (Client, error) {
	switch provider {
	case v1.ProviderMock, "":
		return NewMock(), nil
	case v1.ProviderReal:
		key := apiKey
		if key == "" {
			key = f.cfg.APIKey
		}
		if key == "" {
			return nil, errors.InvalidInput("real model provider requires an API key")
		}
		if model == "" {
			model = f.cfg.Model
		}
		return newGemini(model, key, f.http, f.sem, f.logger), nil
	default:
		return nil, errors.InvalidInput("unknown model provider '" + string(provider) + "'")
	}
}
