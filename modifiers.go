package sodarelay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/tfkr-ae/sodarelay/rawhttp"
)

// sniffSize is the most the sniff modifier reads before headers are committed.
const sniffSize = 512

// ErrNotMedia is returned by SniffResponseModifier when the media host answers with a page
// or a document instead of audio.
var ErrNotMedia = errors.New("media host returned a document instead of media")

// RequestModifierFunc is a signature for outbound media request modifiers, it takes in the request and *Relay
type RequestModifierFunc func(relay *Relay, req *http.Request) error

// ResponseModifierFunc is a signature for media response modifiers, it takes in the response and *Relay
type ResponseModifierFunc func(relay *Relay, res *http.Response) error

// reqAdapter adapts a RequestModifierFunc to the martian.RequestModifier interface
type reqAdapter struct {
	relay    *Relay
	modifier RequestModifierFunc
}

// ModifyRequest implements the martian.RequestModifier interface
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.relay, req)
}

// resAdapter adapts a ResponseModifierFunc to the martian.ResponseModifier interface
type resAdapter struct {
	relay    *Relay
	modifier ResponseModifierFunc
}

// ModifyResponse implements the martian.ResponseModifier interface
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.relay, res)
}

// martianReqModifierFunc allows functions with "func(*http.Request) error" signature to satisfy the martian.RequestModifier interface
type martianReqModifierFunc func(*http.Request) error

// ModifyRequest implements the martian.RequestModifier interface
func (f martianReqModifierFunc) ModifyRequest(req *http.Request) error {
	return f(req)
}

// martianResModifierFunc allows functions with "func(*http.Response) error" signature to satisfy the martian.ResponseModifier interface
type martianResModifierFunc func(*http.Response) error

// ModifyResponse implements the martian.ResponseModifier interface
func (f martianResModifierFunc) ModifyResponse(res *http.Response) error {
	return f(res)
}

// BrowserHeadersModifier makes the media request look like a browser download: the
// configured User-Agent, a Referer and an identity Accept-Encoding so the body is relayed
// untranscoded. Without a configured Referer the source page origin is used.
func BrowserHeadersModifier(relay *Relay, req *http.Request) error {
	if relay.Media.UserAgent != "" {
		req.Header.Set("User-Agent", relay.Media.UserAgent)
	}

	referer := relay.Media.Referer
	if referer == "" {
		if sourceURL, ok := SourceURLFromContext(req.Context()); ok {
			referer = sourceURL.Scheme + "://" + sourceURL.Host + "/"
		}
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	return nil
}

// DebugRequestModifier logs the outbound media request at debug level, credentials redacted.
func DebugRequestModifier(relay *Relay, req *http.Request) error {
	logger := zerolog.Ctx(req.Context())
	if logger.GetLevel() > zerolog.DebugLevel {
		return nil
	}
	dump, err := rawhttp.DumpRequest(req)
	if err != nil {
		logger.Debug().Err(err).Msg("dumping media request")
		return nil
	}
	logger.Debug().Str("host", req.URL.Host).Bytes("request", dump).Msg("media request")
	return nil
}

// StatusResponseModifier rejects any non-2xx media response with a *FetchError. The head
// and a short body snippet are logged at debug level.
func StatusResponseModifier(relay *Relay, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}

	if res.Request != nil {
		logger := zerolog.Ctx(res.Request.Context())
		if logger.GetLevel() <= zerolog.DebugLevel {
			_, pretty, err := rawhttp.DumpResponse(res, rawhttp.DefaultSnippetSize)
			if err == nil {
				logger.Debug().Int("status", res.StatusCode).Str("response", pretty).Msg("media host rejected request")
			}
		}
	}

	reason := res.Status
	if reason == "" {
		reason = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	return &FetchError{StatusCode: res.StatusCode, Reason: reason}
}

// SniffResponseModifier reads the first chunk of the media body and rejects HTML, JSON and
// XML documents, which media hosts serve with a 200 for expired or blocked links. It does
// a single successful Read, so a slow host only has to deliver its first bytes before
// headers can be committed. The chunk is put back in front of the body.
func SniffResponseModifier(relay *Relay, res *http.Response) error {
	if res.Body == nil || res.Body == http.NoBody {
		return &FetchError{StatusCode: res.StatusCode, Reason: "the media host returned an empty body"}
	}

	chunk, err := readFirstChunk(res.Body, sniffSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w : reading first chunk : %w", ErrUpstreamFetch, err)
	}
	if len(chunk) == 0 {
		return &FetchError{StatusCode: res.StatusCode, Reason: "the media host returned an empty body"}
	}

	res.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(chunk), res.Body),
		Closer: res.Body,
	}

	detected := mimetype.Detect(chunk)
	if isDocument(detected) {
		if res.Request != nil {
			zerolog.Ctx(res.Request.Context()).Debug().
				Str("detected", detected.String()).
				Str("snippet", rawhttp.Snippet(chunk, 128)).
				Msg("media host returned a document")
		}
		return fmt.Errorf("%w : %w", &FetchError{StatusCode: res.StatusCode, Reason: "the media host returned a web page instead of audio"}, ErrNotMedia)
	}
	return nil
}

// isDocument reports whether detected is HTML, JSON, XML or one of their subtypes.
func isDocument(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/html") || m.Is("application/json") || m.Is("text/xml") || m.Is("application/xml") {
			return true
		}
	}
	return false
}

// readFirstChunk reads until at least one byte or an error arrives, at most n bytes.
func readFirstChunk(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	for {
		read, err := r.Read(buf)
		if read > 0 {
			return buf[:read], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// replayBody serves already read bytes before the rest of the original body.
type replayBody struct {
	io.Reader
	io.Closer
}
