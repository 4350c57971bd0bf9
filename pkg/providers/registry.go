package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelgateway/relay/pkg/httpclient"
	"github.com/modelgateway/relay/pkg/model"
)

// Credentials carries the per-provider secrets the registry builds callers
// from. Empty fields leave the provider unregistered.
type Credentials struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string
	MistralAPIKey   string
	XAIAPIKey       string
	CerebrasAPIKey  string
	Bedrock         BedrockConfig
	BedrockEnabled  bool
}

// Registry maps providers to their configured callers.
type Registry struct {
	mu      sync.RWMutex
	callers map[model.Provider]Caller
}

func NewRegistry() *Registry {
	return &Registry{callers: make(map[model.Provider]Caller)}
}

// NewRegistryFromCredentials builds callers for every provider that has
// credentials configured. Bedrock failures are returned since SDK setup can
// fail; HTTP adapters cannot.
func NewRegistryFromCredentials(ctx context.Context, creds Credentials, opts ...httpclient.Option) (*Registry, error) {
	r := NewRegistry()
	if creds.OpenAIAPIKey != "" {
		r.Register(NewHTTPCaller(NewOpenAIAdapter(creds.OpenAIAPIKey), opts...))
	}
	if creds.AnthropicAPIKey != "" {
		r.Register(NewHTTPCaller(NewAnthropicAdapter(creds.AnthropicAPIKey), opts...))
	}
	if creds.GoogleAPIKey != "" {
		r.Register(NewHTTPCaller(NewGoogleAdapter(creds.GoogleAPIKey), opts...))
	}
	if creds.MistralAPIKey != "" {
		r.Register(NewHTTPCaller(NewMistralAdapter(creds.MistralAPIKey), opts...))
	}
	if creds.XAIAPIKey != "" {
		r.Register(NewHTTPCaller(NewXAIAdapter(creds.XAIAPIKey), opts...))
	}
	if creds.CerebrasAPIKey != "" {
		r.Register(NewHTTPCaller(NewCerebrasAdapter(creds.CerebrasAPIKey), opts...))
	}
	if creds.BedrockEnabled {
		caller, err := NewBedrockCaller(ctx, creds.Bedrock)
		if err != nil {
			return nil, err
		}
		r.Register(caller)
	}
	return r, nil
}

func (r *Registry) Register(caller Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[caller.Provider()] = caller
}

func (r *Registry) Get(provider model.Provider) (Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caller, ok := r.callers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", provider)
	}
	return caller, nil
}

// Has reports whether a caller is configured for the provider.
func (r *Registry) Has(provider model.Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.callers[provider]
	return ok
}

// Providers returns the configured providers in stable catalog order.
func (r *Registry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Provider
	for _, p := range model.Providers() {
		if _, ok := r.callers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
