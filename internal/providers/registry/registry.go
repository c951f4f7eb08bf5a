package registry

import (
	"fmt"
	"net/http"
	"time"

	"bredai/internal/providers"
	"bredai/internal/providers/gemini"
	"bredai/internal/providers/openai_compat"
)

// DefaultBaseURLs are the public endpoints used when no override is configured.
var DefaultBaseURLs = map[providers.Name]string{
	providers.Gemini:   gemini.DefaultBaseURL,
	providers.Groq:     "https://api.groq.com/openai/v1",
	providers.Cerebras: "https://api.cerebras.ai/v1",
	providers.NVIDIA:   "https://integrate.api.nvidia.com/v1",
}

type BuildOptions struct {
	Provider    providers.Name
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURLs[opts.Provider]
	}
	switch opts.Provider {
	case providers.Gemini:
		return gemini.New(gemini.Config{
			BaseURL:     base,
			APIKey:      opts.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case providers.Groq, providers.Cerebras, providers.NVIDIA:
		return openai_compat.New(openai_compat.Config{
			Provider:    opts.Provider,
			BaseURL:     base,
			APIKey:      opts.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("%w %q", providers.ErrUnknownProvider, opts.Provider)
	}
}
