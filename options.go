package sodarelay

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/sodarelay/extract"
	"github.com/tfkr-ae/sodarelay/scrape"
)

// WithOptions applies a series of configuration functions to the relay instance.
// Each option function can modify the relay configuration and return an error if it fails.
//
// Parameters:
//   - options: Variadic list of configuration functions
//
// Returns:
//   - error: First error encountered from any option function
func (relay *Relay) WithOptions(options ...func(*Relay) error) error {
	for _, option := range options {
		err := option(relay)
		if err != nil {
			return fmt.Errorf("applying option on relay : %w", err)
		}
	}
	return nil
}

// WithConfig configures the relay from a loaded Config: naming, media settings, source
// scope and the Firecrawl scraper. Without an API key the scraper is left unset and every
// pipeline request fails with a configuration error.
//
// Parameters:
//   - cfg: Loaded configuration
//
// Returns:
//   - func(*Relay) error: Configuration function that applies cfg
func WithConfig(cfg *Config) func(*Relay) error {
	return func(relay *Relay) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		relay.Config = cfg
		relay.Media = cfg.Media
		relay.Naming = extract.Naming{
			BrandSuffix: cfg.Naming.BrandSuffix,
			DefaultName: cfg.Naming.DefaultName,
			Extension:   cfg.Naming.Extension,
		}

		scope, err := NewScopeFromConfig(cfg.Scope)
		if err != nil {
			return fmt.Errorf("building scope : %w", err)
		}
		relay.Scope = scope

		if cfg.Firecrawl.APIKey == "" {
			relay.Scraper = nil
			return nil
		}
		client, err := scrape.New(scrape.Config{
			APIKey:          cfg.Firecrawl.APIKey,
			BaseURL:         cfg.Firecrawl.BaseURL,
			Timeout:         cfg.Firecrawl.Timeout,
			OnlyMainContent: cfg.Firecrawl.OnlyMainContent,
		})
		if err != nil {
			return fmt.Errorf("creating scrape client : %w", err)
		}
		relay.Scraper = client
		return nil
	}
}

// WithScraper sets the scrape provider client.
func WithScraper(scraper Scraper) func(*Relay) error {
	return func(relay *Relay) error {
		relay.Scraper = scraper
		return nil
	}
}

// WithMediaClient sets the HTTP client used to fetch media. The client should not carry an
// overall Timeout, otherwise long streams are cut off.
func WithMediaClient(client *http.Client) func(*Relay) error {
	return func(relay *Relay) error {
		if client == nil {
			return fmt.Errorf("media client is nil")
		}
		relay.Client = client
		return nil
	}
}

// WithLogger sets the base logger used for request logs.
func WithLogger(logger zerolog.Logger) func(*Relay) error {
	return func(relay *Relay) error {
		relay.Logger = logger
		return nil
	}
}

// WithRepo sets the activity log repository and starts the writer.
func WithRepo(repo Repository) func(*Relay) error {
	return func(relay *Relay) error {
		if repo == nil {
			return fmt.Errorf("repository is nil")
		}
		relay.Repo = repo
		relay.Start()
		return nil
	}
}

// WithScope replaces the source host scope.
func WithScope(scope *Scope) func(*Relay) error {
	return func(relay *Relay) error {
		if scope == nil {
			return fmt.Errorf("scope is nil")
		}
		relay.Scope = scope
		return nil
	}
}

// WithNaming sets how download filenames are derived.
func WithNaming(naming extract.Naming) func(*Relay) error {
	return func(relay *Relay) error {
		if naming.DefaultName == "" {
			return fmt.Errorf("naming needs a default name")
		}
		relay.Naming = naming
		return nil
	}
}

// WithMetrics sets the Prometheus collectors, for example to share one registry.
func WithMetrics(metrics *Metrics) func(*Relay) error {
	return func(relay *Relay) error {
		if metrics == nil {
			return fmt.Errorf("metrics is nil")
		}
		relay.Metrics = metrics
		return nil
	}
}
