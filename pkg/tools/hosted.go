package tools

import (
	"github.com/modelgateway/relay/pkg/httpclient"
	"github.com/modelgateway/relay/pkg/observability"
)

// HostedConfig carries the credentials for the built-in hosted tools. Tools
// with missing credentials stay unregistered; calls to them fail as unknown
// tools.
type HostedConfig struct {
	GoogleSearchAPIKey   string
	GoogleSearchEngineID string
	PerplexityAPIKey     string
}

// NewHostedRegistry builds the registry with every hosted tool the config
// allows. The text browser needs no credentials and is always present.
func NewHostedRegistry(cfg HostedConfig, metrics *observability.Metrics, opts ...httpclient.Option) (*Registry, error) {
	r := NewRegistry(metrics)
	if err := r.Register(NewBrowserTextTool(opts...)); err != nil {
		return nil, err
	}
	if cfg.GoogleSearchAPIKey != "" && cfg.GoogleSearchEngineID != "" {
		if err := r.Register(NewGoogleSearchTool(cfg.GoogleSearchAPIKey, cfg.GoogleSearchEngineID, opts...)); err != nil {
			return nil, err
		}
	}
	if cfg.PerplexityAPIKey != "" {
		if err := r.Register(NewPerplexityTool(cfg.PerplexityAPIKey, opts...)); err != nil {
			return nil, err
		}
	}
	return r, nil
}
