package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/sodarelay/domain"
)

const (
	DefaultBaseURL = "https://api.firecrawl.dev"
	DefaultTimeout = 30 * time.Second

	scrapePath = "/v1/scrape"

	// maxResponseBytes caps how much of a provider response is read into memory.
	maxResponseBytes = 32 << 20
	// maxErrorBodyBytes caps the provider body kept on a StatusError.
	maxErrorBodyBytes = 4 << 10
)

var (
	// ErrMissingAPIKey is returned by New when no API key is configured.
	ErrMissingAPIKey = errors.New("missing scrape provider api key")

	// ErrUpstreamScrape is returned when the provider call fails or does not produce HTML.
	ErrUpstreamScrape = errors.New("scrape provider request failed")
)

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scrape provider returned %d : %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrUpstreamScrape.
func (e *StatusError) Unwrap() error {
	return ErrUpstreamScrape
}

// Config holds the provider settings. Only APIKey is required.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	OnlyMainContent bool
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client calls the scrape provider. It is safe for concurrent use.
type Client struct {
	apiKey          string
	endpoint        string
	onlyMainContent bool
	httpClient      *http.Client
}

type scrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    *struct {
		HTML     string `json:"html"`
		Metadata struct {
			Title      string `json:"title"`
			StatusCode int    `json:"statusCode"`
		} `json:"metadata"`
	} `json:"data"`
}

// New returns a Client for cfg. It fails with ErrMissingAPIKey when cfg.APIKey is blank.
func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		apiKey:          apiKey,
		endpoint:        baseURL + scrapePath,
		onlyMainContent: cfg.OnlyMainContent,
		httpClient:      httpClient,
	}, nil
}

// FetchPage asks the provider to render sourceURL and returns its HTML.
// Cancelling ctx aborts the outstanding provider call.
func (c *Client) FetchPage(ctx context.Context, sourceURL string) (*domain.ScrapedPage, error) {
	payload, err := json.Marshal(scrapeRequest{
		URL:             sourceURL,
		Formats:         []string{"html"},
		OnlyMainContent: c.onlyMainContent,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding scrape request : %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating scrape request : %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", ErrUpstreamScrape, err)
	}
	defer res.Body.Close()

	body, err := readBody(res)
	if err != nil {
		return nil, fmt.Errorf("%w : reading response : %w", ErrUpstreamScrape, err)
	}

	zerolog.Ctx(ctx).Debug().
		Int("status", res.StatusCode).
		Int("bytes", len(body)).
		Dur("took", time.Since(start)).
		Msg("scrape provider responded")

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: res.StatusCode, Body: truncate(string(body), maxErrorBodyBytes)}
	}

	var decoded scrapeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w : decoding response : %w", ErrUpstreamScrape, err)
	}
	if decoded.Data == nil || decoded.Data.HTML == "" {
		if decoded.Error != "" {
			return nil, fmt.Errorf("%w : %s", ErrUpstreamScrape, decoded.Error)
		}
		return nil, fmt.Errorf("%w : response carried no html", ErrUpstreamScrape)
	}

	return &domain.ScrapedPage{
		HTML:      decoded.Data.HTML,
		SourceURL: sourceURL,
		Title:     decoded.Data.Metadata.Title,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
