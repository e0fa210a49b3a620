package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/insight-pipeline/internal/config"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		a.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from path plus INSIGHT_ environment
// overrides. An empty path reads config.yaml if present.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithStore supplies the key-value store instead of opening storage.type.
// The caller keeps ownership and must close it.
func WithStore(store ports.KVStore) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithAnalyzer replaces the OpenAI-compatible upstream.
func WithAnalyzer(analyzer ports.Analyzer) Option {
	return func(a *App) error {
		a.analyzer = analyzer
		return nil
	}
}

// WithAdmissionPolicy replaces the configured admission controller.
func WithAdmissionPolicy(policy ports.AdmissionPolicy) Option {
	return func(a *App) error {
		a.admission = policy
		return nil
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) error {
		a.registry = reg
		return nil
	}
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) error {
		a.httpClient = client
		return nil
	}
}
