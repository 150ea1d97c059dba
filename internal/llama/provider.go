// ABOUTME: Provider holds the process-wide current backend client
// ABOUTME: Swaps the client atomically when a different model is requested

package llama

import (
	"log/slog"
	"sync/atomic"
)

// Provider owns the current backend client for the process. Requests that
// name a different model than the active one replace the client; the swap is
// a compare-and-swap on a pointer, so streams already running keep the
// client they captured at start.
type Provider struct {
	baseURL      string
	defaultModel string
	current      atomic.Pointer[Client]
	logger       *slog.Logger
}

// NewProvider creates a provider serving defaultModel until a request
// names another model.
func NewProvider(baseURL, defaultModel string) *Provider {
	if defaultModel == "" {
		defaultModel = "default"
	}
	p := &Provider{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		logger:       slog.Default().With("component", "llama"),
	}
	p.current.Store(NewClient(baseURL, defaultModel))
	return p
}

// Get returns the client for the requested model, swapping the current
// client when the model differs. An empty model name selects the default.
func (p *Provider) Get(model string) *Client {
	if model == "" {
		model = p.defaultModel
	}

	for {
		cur := p.current.Load()
		if cur != nil && cur.Model() == model {
			return cur
		}

		next := NewClient(p.baseURL, model)
		if p.current.CompareAndSwap(cur, next) {
			p.logger.Info("switched backend model", "from", cur.Model(), "to", model)
			return next
		}
		// Lost the race; re-check what won
	}
}

// Current returns the active client without swapping
func (p *Provider) Current() *Client {
	return p.current.Load()
}
