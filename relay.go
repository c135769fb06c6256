// Package sodarelay resolves music share links into their audio stream and relays the bytes
// to the caller. A request names a source page; the page is rendered through a scrape
// provider, the embedded play URL is extracted and normalized, and the media host response
// is streamed back with a download filename derived from the page title.
//
// The core functionality includes:
//   - A single POST endpoint driving the resolve-and-stream pipeline
//   - Outbound media request/response modifiers run through a martian fifo group
//   - A Chrome-fingerprint TLS transport for media hosts
//   - Source host scoping
//   - Prometheus metrics and an optional SQLite activity log
package sodarelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/martian/fifo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tfkr-ae/sodarelay/core"
	"github.com/tfkr-ae/sodarelay/domain"
	"github.com/tfkr-ae/sodarelay/extract"
)

const (
	maxRequestBody   = 64 * 1024
	maxRedirects     = 10
	logChannelBuffer = 64
)

// sourceURLPattern finds the first link in pasted share text.
var sourceURLPattern = regexp.MustCompile(`https?://[^\s]+`)

// Scraper renders a source page and returns its HTML.
type Scraper interface {
	FetchPage(ctx context.Context, sourceURL string) (*domain.ScrapedPage, error)
}

// Repository defines the methods consumed by the relay to persist the activity log.
type Repository interface {
	domain.LogRepository
	domain.StatsRepository
	Close() error
}

// Relay is the resolve-and-stream service. It holds only read-only configuration once
// built; every request carries its own state.
type Relay struct {
	Config     *Config          // The loaded configuration, nil when built from options only
	Scraper    Scraper          // Scrape provider client, nil answers every request with a configuration error
	Naming     extract.Naming   // Filename derivation
	Media      MediaConfig      // Outbound media request settings
	Scope      *Scope           // Source host scope through Compass
	Modifiers  *fifo.Group      // Media request/response modifier pipeline
	Client     *http.Client     // Client used for the media GET, no overall timeout
	Repo       Repository       // Activity log repository, nil disables the activity log
	Logger     zerolog.Logger   // Base logger, request loggers are derived from it
	Metrics    *Metrics         // Prometheus collectors
	LogChannel chan *domain.Log // Activity log write channel

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a Relay with the default naming, an allow-all scope, the default media
// modifiers and a media client built from the media settings, then applies options.
//
// Parameters:
//   - options: Variadic list of option functions to configure the relay
//
// Returns:
//   - *Relay: Configured relay instance
//   - error: Configuration error if any option fails
func New(options ...func(*Relay) error) (*Relay, error) {
	relay := &Relay{
		Naming:     extract.DefaultNaming(),
		Media:      DefaultConfig().Media,
		Scope:      NewScope(true),
		Modifiers:  fifo.NewGroup(),
		Logger:     zerolog.Nop(),
		LogChannel: make(chan *domain.Log, logChannelBuffer),
	}
	relay.AddRequestModifier(BrowserHeadersModifier)
	relay.AddRequestModifier(DebugRequestModifier)
	relay.AddResponseModifier(StatusResponseModifier)
	relay.AddResponseModifier(SniffResponseModifier)

	if err := relay.WithOptions(options...); err != nil {
		return nil, err
	}

	if relay.Metrics == nil {
		relay.Metrics = NewMetrics()
	}
	if relay.Client == nil {
		relay.Client = &http.Client{
			Transport:     newMediaTransport(relay.Media),
			CheckRedirect: limitRedirects,
		}
	}
	return relay, nil
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return &FetchError{Reason: "the media host redirected too many times"}
	}
	return nil
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (relay *Relay) AddRequestModifier(modifier RequestModifierFunc) {
	adapter := &reqAdapter{relay: relay, modifier: modifier}
	relay.Modifiers.AddRequestModifier(adapter)
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (relay *Relay) AddResponseModifier(modifier ResponseModifierFunc) {
	adapter := &resAdapter{relay: relay, modifier: modifier}
	relay.Modifiers.AddResponseModifier(adapter)
}

// Handler returns the HTTP surface of the relay: the pipeline endpoint, health and metrics,
// wrapped with CORS, panic recovery and request logging.
func (relay *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/resolve-and-stream", relay)
	mux.Handle("/download-track", relay)
	mux.HandleFunc("GET /health", relay.serveHealth)
	mux.Handle("GET /metrics", relay.Metrics.Handler())

	var handler http.Handler = mux
	handler = withCORS(handler)
	handler = recoverer(handler)
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(handler)
	handler = hlog.RequestIDHandler("req_id", "X-Request-ID")(handler)
	handler = hlog.NewHandler(relay.Logger)(handler)
	return handler
}

// ServeHTTP runs the resolve-and-stream pipeline for one request. The caller receives
// either the media stream or a JSON error, never both.
func (relay *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	start := time.Now()
	t := newTracker(relay.Metrics)
	ctx := r.Context()
	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		ctx = relay.Logger.WithContext(ctx)
	}
	r = ContextWithRequestTime(r.WithContext(contextWithTracker(ctx, t)), start)

	relay.Metrics.InFlight.Inc()
	defer relay.Metrics.InFlight.Dec()

	x := &exchange{req: r}
	err := relay.resolveAndStream(w, x)
	if x.outcome != nil {
		x.outcome.Close()
	}
	relay.finish(w, x, err)
}

// exchange is the per-request state threaded through the pipeline.
type exchange struct {
	req     *http.Request
	outcome *StreamOutcome
	written int64
}

// resolveAndStream walks the pipeline states in order. Any error ends the pipeline.
func (relay *Relay) resolveAndStream(w http.ResponseWriter, x *exchange) error {
	ctx := x.req.Context()

	transition(ctx, StateValidating)
	sourceURL, err := relay.validate(x.req)
	if err != nil {
		return err
	}
	ctx = zerolog.Ctx(ctx).With().Str("source_host", sourceURL.Host).Logger().WithContext(ctx)
	x.req = ContextWithSourceURL(x.req.WithContext(ctx), sourceURL)
	ctx = x.req.Context()

	if relay.Scraper == nil {
		return ErrMissingCredential
	}

	transition(ctx, StateScraping)
	page, err := relay.Scraper.FetchPage(ctx, sourceURL.String())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("scraping source page : %w", ctx.Err())
		}
		return fmt.Errorf("scraping source page : %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("discarding scraped page : %w", ctx.Err())
	}

	transition(ctx, StateExtracting)
	raw, ok := extract.FindPlayURL(page.HTML)
	if !ok {
		return ErrAssetNotFound
	}

	transition(ctx, StateNormalizing)
	mediaURL, err := extract.NormalizeURL(raw)
	if err != nil {
		return fmt.Errorf("normalizing play url : %w", err)
	}
	title, present := extract.FindTitle(page.HTML, relay.Naming.BrandSuffix)
	if !present && page.Title != "" {
		title, present = extract.CleanTitle(page.Title, relay.Naming.BrandSuffix)
	}
	asset := &domain.ExtractedAsset{
		MediaURL:     mediaURL,
		Filename:     extract.SanitizeFilename(title, present, relay.Naming),
		Title:        title,
		TitlePresent: present,
	}

	transition(ctx, StateRelaying)
	x.outcome, err = relay.openStream(ctx, asset)
	if err != nil {
		return err
	}
	x.written, err = x.outcome.WriteTo(w)
	return err
}

// validate reads the JSON body and returns the in-scope source URL it names. Every
// failure is an input failure raised before any network call.
func (relay *Relay) validate(r *http.Request) (*url.URL, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, inputFailure(msgInvalidBody, fmt.Errorf("reading request body : %w", err))
	}
	if len(body) > maxRequestBody {
		return nil, inputFailure(msgInvalidBody, errors.New("request body too large"))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, inputFailure(msgMissingURL, nil)
	}

	var req domain.ResolutionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputFailure(msgInvalidBody, fmt.Errorf("decoding request body : %w", err))
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, inputFailure(msgMissingURL, nil)
	}

	link := sourceURLPattern.FindString(req.SourceURL)
	if link == "" {
		return nil, inputFailure(msgNoLink, nil)
	}
	sourceURL, err := url.Parse(link)
	if err != nil || sourceURL.Host == "" {
		return nil, inputFailure(msgNoLink, err)
	}
	if !relay.Scope.Matches(sourceURL) {
		return nil, inputFailure(msgUnsupported, fmt.Errorf("host %s is out of scope", sourceURL.Hostname()))
	}
	return sourceURL, nil
}

// finish moves the request to its terminal state, answers with a JSON error when nothing
// was sent yet, and records the outcome.
func (relay *Relay) finish(w http.ResponseWriter, x *exchange, err error) {
	r := x.req
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	committed := x.outcome != nil && x.outcome.Committed()
	written := x.written

	var sourceHost string
	if sourceURL, ok := SourceURLFromContext(ctx); ok {
		sourceHost = sourceURL.Host
	}

	if err == nil {
		transition(ctx, StateSuccess)
		relay.Metrics.observe(KindSuccess, written)
		logger.Info().Int64("bytes", written).Msg("relayed")
		relay.record(r, "INFO", "relayed", KindSuccess, http.StatusOK, written, sourceHost)
		return
	}

	failure := classify(err)
	if ctx.Err() != nil && failure.Kind != KindStreamInterrupted {
		failure = &Failure{Kind: KindStreamInterrupted, Message: "stream interrupted", Err: err}
	}
	transition(ctx, StateFailed)
	relay.Metrics.observe(failure.Kind, written)

	status := failure.Status
	if committed {
		status = http.StatusOK
	}

	switch {
	case failure.Kind == KindStreamInterrupted:
		logger.Info().Int64("bytes", written).Err(err).Msg("stream interrupted")
		relay.record(r, "INFO", "stream interrupted", failure.Kind, status, written, sourceHost)
		return
	case failure.Status >= http.StatusInternalServerError:
		logger.Error().Str("kind", string(failure.Kind)).Err(err).Msg("request failed")
		relay.record(r, "ERROR", failure.Message, failure.Kind, status, written, sourceHost)
	default:
		logger.Warn().Str("kind", string(failure.Kind)).Err(err).Msg("request failed")
		relay.record(r, "WARN", failure.Message, failure.Kind, status, written, sourceHost)
	}

	if committed {
		// Headers are gone, aborting the connection is the only way to tell the caller the
		// body is incomplete.
		panic(http.ErrAbortHandler)
	}
	writeJSONError(w, failure.Status, failure.Message)
}

// record queues one activity log entry. It never blocks the request.
func (relay *Relay) record(r *http.Request, level, message string, kind Kind, status int, written int64, sourceHost string) {
	if relay.Repo == nil {
		return
	}
	var requestID string
	if id, ok := hlog.IDFromRequest(r); ok {
		requestID = id.String()
	}
	var duration time.Duration
	if start, ok := RequestTimeFromContext(r.Context()); ok {
		duration = time.Since(start)
	}
	err := relay.WriteLog(level, message,
		core.LogWithOutcome(string(kind), status),
		core.LogWithBytes(written),
		core.LogWithSourceHost(sourceHost),
		core.LogWithRequestID(requestID),
		core.LogWithContext(map[string]any{
			"source_host": sourceHost,
			"duration_ms": duration.Milliseconds(),
		}),
	)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("recording activity log")
	}
}

// WriteLog queues an activity log entry for the writer started by Start. Levels are
// DEBUG, INFO, WARN and ERROR. A full channel drops the entry.
func (relay *Relay) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	switch level {
	case "DEBUG":
	case "INFO":
	case "WARN":
	case "ERROR":
	default:
		return fmt.Errorf("level should be either: DEBUG, INFO, WARN, ERROR")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}

	relay.mu.RLock()
	defer relay.mu.RUnlock()
	if relay.closed {
		return fmt.Errorf("relay is closed")
	}
	select {
	case relay.LogChannel <- log:
		return nil
	default:
		return fmt.Errorf("activity log channel is full")
	}
}

// Start launches the activity log writer. It is a no-op without a repository or when
// already started.
func (relay *Relay) Start() {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if relay.Repo == nil || relay.started || relay.closed {
		return
	}
	relay.started = true
	relay.wg.Add(1)
	go relay.writeToDB()
}

func (relay *Relay) writeToDB() {
	defer relay.wg.Done()
	for log := range relay.LogChannel {
		if err := relay.Repo.InsertLog(log); err != nil {
			relay.Logger.Error().Err(err).Msg("inserting activity log")
		}
	}
}

// Close stops the activity log writer after draining queued entries and closes the
// repository.
func (relay *Relay) Close() error {
	relay.mu.Lock()
	if relay.closed {
		relay.mu.Unlock()
		return nil
	}
	relay.closed = true
	close(relay.LogChannel)
	relay.mu.Unlock()

	relay.wg.Wait()
	if relay.Repo != nil {
		if err := relay.Repo.Close(); err != nil {
			return fmt.Errorf("closing repository : %w", err)
		}
	}
	return nil
}

type activityTotals struct {
	Total        int            `json:"total"`
	Outcomes     map[string]int `json:"outcomes"`
	RelayedBytes int64          `json:"relayed_bytes"`
}

type healthResponse struct {
	Status     string          `json:"status"`
	Configured bool            `json:"configured"`
	Activity   *activityTotals `json:"activity,omitempty"`
}

func (relay *Relay) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := healthResponse{Status: "ok", Configured: relay.Scraper != nil}
	if relay.Repo != nil {
		totals, err := relay.activityTotals()
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("reading activity totals")
		} else {
			health.Activity = totals
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (relay *Relay) activityTotals() (*activityTotals, error) {
	total, err := relay.Repo.CountLogs()
	if err != nil {
		return nil, fmt.Errorf("counting logs : %w", err)
	}
	outcomes, err := relay.Repo.CountByOutcome()
	if err != nil {
		return nil, fmt.Errorf("counting outcomes : %w", err)
	}
	relayed, err := relay.Repo.RelayedBytes()
	if err != nil {
		return nil, fmt.Errorf("summing relayed bytes : %w", err)
	}
	return &activityTotals{Total: total, Outcomes: outcomes, RelayedBytes: relayed}, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Del("Content-Disposition")
	w.Header().Del("Content-Length")
	writeJSON(w, status, map[string]string{"error": message})
}

// recoverer turns a handler panic into a 500 JSON error when nothing has been written yet,
// and aborts the connection otherwise.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &headerWatcher{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			hlog.FromRequest(r).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("recovered from panic")
			if rw.wroteHeader {
				panic(http.ErrAbortHandler)
			}
			writeJSONError(rw, http.StatusInternalServerError, msgInternal)
		}()
		next.ServeHTTP(rw, r)
	})
}

// headerWatcher remembers whether the response head was sent.
type headerWatcher struct {
	http.ResponseWriter
	wroteHeader bool
}

func (hw *headerWatcher) WriteHeader(status int) {
	hw.wroteHeader = true
	hw.ResponseWriter.WriteHeader(status)
}

func (hw *headerWatcher) Write(p []byte) (int, error) {
	hw.wroteHeader = true
	return hw.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (hw *headerWatcher) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}
