package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// Options selects and configures a model provider.
type Options struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// NewClient builds the model client for opts.Provider.
func NewClient(opts Options) (core.ModelClient, error) {
	switch opts.Provider {
	case core.ProviderOpenAI:
		if opts.APIKey == "" {
			return nil, core.ErrAuth("model.api_key is required for the openai provider (set REQFLOW_MODEL_API_KEY)")
		}
		return NewOpenAIClient(opts.APIKey, opts.BaseURL, &http.Client{Timeout: opts.Timeout}), nil
	case core.ProviderEcho:
		return NewEchoClient(), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", opts.Provider)
	}
}
