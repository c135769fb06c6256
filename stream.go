package sodarelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/sodarelay/domain"
	"github.com/tfkr-ae/sodarelay/extract"
)

const (
	defaultContentType = "audio/mpeg"
	copyBufferSize     = 32 * 1024
)

// StreamOutcome is an accepted media response whose body has not been relayed yet. Every
// header decision is final once a StreamOutcome exists.
type StreamOutcome struct {
	ContentType   string
	Filename      string
	ContentLength int64 // -1 when the media host did not declare one

	body      io.ReadCloser
	committed bool
}

// openStream fetches the media URL of asset and runs the response modifiers over the head
// and first chunk. On error no body is left open.
func (relay *Relay) openStream(ctx context.Context, asset *domain.ExtractedAsset) (*StreamOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.MediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w : building media request : %w", ErrMalformedURL, err)
	}

	if err := relay.Modifiers.ModifyRequest(req); err != nil {
		return nil, fmt.Errorf("modifying media request : %w", err)
	}

	zerolog.Ctx(ctx).Debug().Str("media_host", req.URL.Host).Msg("fetching media")
	res, err := relay.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetching media : %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w : %w", &FetchError{Reason: "the media host could not be reached"}, err)
	}

	if err := relay.Modifiers.ModifyResponse(res); err != nil {
		res.Body.Close()
		return nil, err
	}

	contentType := relay.Media.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return &StreamOutcome{
		ContentType:   contentType,
		Filename:      asset.Filename,
		ContentLength: res.ContentLength,
		body:          res.Body,
	}, nil
}

// Committed reports whether headers have been sent to the caller.
func (outcome *StreamOutcome) Committed() bool {
	return outcome.committed
}

// WriteTo sends the headers and then copies the media body to w chunk by chunk, flushing
// after every write. Writes block on a slow caller, which in turn stops reads from the
// media host.
//
// A failed write to the caller or a cancelled request is ErrStreamInterrupted. A failed
// read from the media host is ErrUpstreamFetch.
func (outcome *StreamOutcome) WriteTo(w http.ResponseWriter) (int64, error) {
	header := w.Header()
	header.Set("Content-Type", outcome.ContentType)
	header.Set("Content-Disposition", extract.ContentDisposition(outcome.Filename))
	header.Set("X-Content-Type-Options", "nosniff")
	if outcome.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(outcome.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	outcome.committed = true

	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := outcome.body.Read(buf)
		if n > 0 {
			m, err := fw.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("%w : writing to caller : %w", ErrStreamInterrupted, err)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) {
				return written, fmt.Errorf("%w : %w", ErrStreamInterrupted, readErr)
			}
			return written, fmt.Errorf("%w : reading media body : %w", ErrUpstreamFetch, readErr)
		}
	}
}

// Close releases the media body.
func (outcome *StreamOutcome) Close() error {
	return outcome.body.Close()
}

// flushWriter pushes every write to the caller.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := fw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
