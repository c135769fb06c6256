package sodarelay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// State is a step of the resolve-and-stream pipeline.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateScraping
	StateExtracting
	StateNormalizing
	StateRelaying
	StateSuccess
	StateFailed
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateValidating:  "validating",
	StateScraping:    "scraping",
	StateExtracting:  "extracting",
	StateNormalizing: "normalizing",
	StateRelaying:    "relaying",
	StateSuccess:     "success",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends the pipeline.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// tracker follows one request through the pipeline. It is owned by the request's goroutine.
type tracker struct {
	state   State
	entered time.Time
	history []State
	metrics *Metrics
	now     func() time.Time
}

func newTracker(metrics *Metrics) *tracker {
	return &tracker{
		state:   StateIdle,
		entered: time.Now(),
		history: []State{StateIdle},
		metrics: metrics,
		now:     time.Now,
	}
}

// enter moves to next, observing how long the previous state took. Terminal states are final.
func (t *tracker) enter(ctx context.Context, next State) {
	if t.state.Terminal() {
		return
	}
	now := t.now()
	elapsed := now.Sub(t.entered)
	if t.metrics != nil && t.state != StateIdle {
		t.metrics.StageDuration.WithLabelValues(t.state.String()).Observe(elapsed.Seconds())
	}

	zerolog.Ctx(ctx).Debug().
		Stringer("from", t.state).
		Stringer("state", next).
		Dur("elapsed", elapsed).
		Msg("state transition")

	t.state = next
	t.entered = now
	t.history = append(t.history, next)
}

// transition moves the request tracked in ctx to next. It is a no-op without a tracker.
func transition(ctx context.Context, next State) {
	if t, ok := trackerFromContext(ctx); ok {
		t.enter(ctx, next)
	}
}
