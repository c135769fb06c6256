package sodarelay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tfkr-ae/sodarelay/extract"
	"github.com/tfkr-ae/sodarelay/scrape"
)

// Kind names one class of pipeline outcome. Kinds are recorded in the activity log and
// used as the outcome label on metrics.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindInput             Kind = "input"
	KindConfiguration     Kind = "configuration"
	KindUpstreamScrape    Kind = "upstream_scrape"
	KindAssetNotFound     Kind = "asset_not_found"
	KindMalformedURL      Kind = "malformed_url"
	KindUpstreamFetch     Kind = "upstream_fetch"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindInternal          Kind = "internal"
)

var (
	// ErrInput is returned when the request carries no usable source URL.
	ErrInput = errors.New("invalid input")

	// ErrConfiguration is returned when the relay is missing required configuration.
	ErrConfiguration = errors.New("server configuration error")

	// ErrMissingCredential is returned when no scrape provider API key is configured.
	ErrMissingCredential = fmt.Errorf("%w : missing firecrawl api key", ErrConfiguration)

	// ErrUpstreamScrape is returned when the scrape provider call fails.
	ErrUpstreamScrape = scrape.ErrUpstreamScrape

	// ErrAssetNotFound is returned when the scraped page has no play URL.
	ErrAssetNotFound = extract.ErrAssetNotFound

	// ErrMalformedURL is returned when the play URL cannot be made absolute.
	ErrMalformedURL = extract.ErrMalformedURL

	// ErrUpstreamFetch is returned when the media host does not answer with audio.
	ErrUpstreamFetch = errors.New("media fetch failed")

	// ErrStreamInterrupted is returned when the caller goes away mid-stream.
	ErrStreamInterrupted = errors.New("stream interrupted")
)

const (
	msgMissingURL     = "Missing URL parameter"
	msgNoLink         = "No valid link found in the input"
	msgUnsupported    = "This link is not supported"
	msgInvalidBody    = "Request body must be JSON like {\"url\": \"...\"}"
	msgConfiguration  = "Server configuration error"
	msgUpstreamScrape = "Failed to scrape page. Check that the link is valid and publicly reachable."
	msgAssetNotFound  = "Could not find audio URL. The song might be VIP-only or the page structure has changed."
	msgMalformedURL   = "The audio URL found on the page is not a valid link."
	msgInternal       = "Internal server error"
)

// FetchError describes why the media host response was rejected.
type FetchError struct {
	StatusCode int    // Upstream status, 0 if the request never got a response
	Reason     string // Short description shown to the caller
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("media host returned %d : %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("media host : %s", e.Reason)
}

// Unwrap lets errors.Is match ErrUpstreamFetch.
func (e *FetchError) Unwrap() error {
	return ErrUpstreamFetch
}

// Failure is the caller visible form of a pipeline error. Message is the only text that
// crosses the HTTP boundary.
type Failure struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s : %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s : %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// inputFailure builds an InputError with a specific caller message.
func inputFailure(message string, err error) *Failure {
	if err == nil {
		err = ErrInput
	} else {
		err = fmt.Errorf("%w : %w", ErrInput, err)
	}
	return &Failure{Kind: KindInput, Status: http.StatusBadRequest, Message: message, Err: err}
}

// classify maps any pipeline error to its Failure. Errors outside the taxonomy become a
// 500 internal failure.
func classify(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	var fetchErr *FetchError
	switch {
	case errors.Is(err, ErrConfiguration), errors.Is(err, scrape.ErrMissingAPIKey):
		return &Failure{Kind: KindConfiguration, Status: http.StatusInternalServerError, Message: msgConfiguration, Err: err}
	case errors.Is(err, ErrInput):
		return &Failure{Kind: KindInput, Status: http.StatusBadRequest, Message: msgMissingURL, Err: err}
	case errors.Is(err, ErrUpstreamScrape):
		return &Failure{Kind: KindUpstreamScrape, Status: http.StatusBadRequest, Message: msgUpstreamScrape, Err: err}
	case errors.Is(err, ErrAssetNotFound):
		return &Failure{Kind: KindAssetNotFound, Status: http.StatusBadRequest, Message: msgAssetNotFound, Err: err}
	case errors.Is(err, ErrMalformedURL):
		return &Failure{Kind: KindMalformedURL, Status: http.StatusBadRequest, Message: msgMalformedURL, Err: err}
	case errors.As(err, &fetchErr):
		return &Failure{Kind: KindUpstreamFetch, Status: http.StatusBadRequest, Message: "Failed to fetch audio stream: " + fetchErr.Reason, Err: err}
	case errors.Is(err, ErrUpstreamFetch):
		return &Failure{Kind: KindUpstreamFetch, Status: http.StatusBadRequest, Message: "Failed to fetch audio stream", Err: err}
	case errors.Is(err, ErrStreamInterrupted), errors.Is(err, context.Canceled):
		return &Failure{Kind: KindStreamInterrupted, Status: 0, Message: "stream interrupted", Err: err}
	default:
		return &Failure{Kind: KindInternal, Status: http.StatusInternalServerError, Message: msgInternal, Err: err}
	}
}
