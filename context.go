package sodarelay

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type contextKey string

const (
	// SourceURLKey is the context key for the parsed source page URL (*url.URL)
	SourceURLKey contextKey = "SourceURL"
	// RequestTimeKey is the context key for the time the relay started handling the request (time.Time)
	RequestTimeKey contextKey = "RequestTime"
	// TrackerKey is the context key for the request's pipeline state tracker (*tracker)
	TrackerKey contextKey = "Tracker"
)

// ContextWithSourceURL returns a new request with the source page URL in the context
func ContextWithSourceURL(req *http.Request, sourceURL *url.URL) *http.Request {
	ctx := context.WithValue(req.Context(), SourceURLKey, sourceURL)
	return req.WithContext(ctx)
}

// SourceURLFromContext returns the source page URL from the context if it exists
func SourceURLFromContext(ctx context.Context) (*url.URL, bool) {
	sourceURL, ok := ctx.Value(SourceURLKey).(*url.URL)
	return sourceURL, ok && sourceURL != nil
}

// ContextWithRequestTime returns a new request with the request time in the context
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	ctx := context.WithValue(req.Context(), RequestTimeKey, requestTime)
	return req.WithContext(ctx)
}

// RequestTimeFromContext returns the request time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(RequestTimeKey).(time.Time)
	return timestamp, ok
}

func contextWithTracker(ctx context.Context, t *tracker) context.Context {
	return context.WithValue(ctx, TrackerKey, t)
}

func trackerFromContext(ctx context.Context) (*tracker, bool) {
	t, ok := ctx.Value(TrackerKey).(*tracker)
	return t, ok && t != nil
}
