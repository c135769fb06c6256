package sodarelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tfkr-ae/sodarelay/db"
	"github.com/tfkr-ae/sodarelay/domain"
	"github.com/tfkr-ae/sodarelay/scrape"
)

// fakeScraper returns a fixed page and counts calls.
type fakeScraper struct {
	html  string
	title string
	err   error
	calls atomic.Int32
}

func (f *fakeScraper) FetchPage(ctx context.Context, sourceURL string) (*domain.ScrapedPage, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ScrapedPage{HTML: f.html, SourceURL: sourceURL, Title: f.title}, nil
}

// songPage embeds mediaURL the way share pages do, with escaped slashes.
func songPage(title, mediaURL string) string {
	escaped := strings.ReplaceAll(mediaURL, "/", `\/`)
	return `<html><head><title>` + title + `</title></head><body>` +
		`<script>window._ROUTER_DATA = {"track":{"id":"42","play_url":"` + escaped + `","duration":215}};</script>` +
		`</body></html>`
}

func mediaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func postResolve(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/resolve-and-stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("\nwanted:\napplication/json\ngot:\n%s", ct)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	if body.Error == "" {
		t.Fatalf("\nwanted:\nerror message\ngot:\n%s", rec.Body.String())
	}
	return body.Error
}

func TestResolveAndStream(t *testing.T) {
	t.Run("end to end through the scrape provider", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept-Encoding") != "identity" {
				t.Errorf("\nwanted:\nidentity\ngot:\n%s", r.Header.Get("Accept-Encoding"))
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("ID3..."))
		})

		scrapeBodies := make(chan map[string]any, 1)
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer fc-test" {
				t.Errorf("\nwanted:\nBearer fc-test\ngot:\n%s", r.Header.Get("Authorization"))
			}
			var scrapeBody map[string]any
			json.NewDecoder(r.Body).Decode(&scrapeBody)
			scrapeBodies <- scrapeBody
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data": map[string]any{
					"html":     songPage("My Song - 汽水音乐", media.URL+"/a.mp3"),
					"metadata": map[string]any{"title": "My Song - 汽水音乐", "statusCode": 200},
				},
			})
		}))
		defer provider.Close()

		cfg := DefaultConfig()
		cfg.Firecrawl.APIKey = "fc-test"
		cfg.Firecrawl.BaseURL = provider.URL
		relay := testRelay(t, WithConfig(cfg))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/42"}`)

		if rec.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d (%s)", http.StatusOK, rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
			t.Fatalf("\nwanted:\naudio/mpeg\ngot:\n%s", ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "My Song.mp3") {
			t.Fatalf("\nwanted:\nContent-Disposition containing My Song.mp3\ngot:\n%s", cd)
		}
		if rec.Body.String() != "ID3..." {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "ID3...", rec.Body.String())
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("\nwanted:\n*\ngot:\n%s", rec.Header().Get("Access-Control-Allow-Origin"))
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatalf("\nwanted:\nX-Request-ID\ngot:\nnone")
		}
		scrapeBody := <-scrapeBodies
		if scrapeBody["url"] != "https://example.test/song/42" || scrapeBody["onlyMainContent"] != false {
			t.Fatalf("\nwanted:\nscrape of the source url\ngot:\n%v", scrapeBody)
		}
	})

	t.Run("non-ascii titles become valid header bytes", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ID3"))
		})
		scraper := &fakeScraper{html: songPage("《晴天》周杰伦 - 汽水音乐", media.URL+"/a.mp3")}
		relay := testRelay(t, WithScraper(scraper))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d (%s)", http.StatusOK, rec.Code, rec.Body.String())
		}
		cd := rec.Header().Get("Content-Disposition")
		for i := 0; i < len(cd); i++ {
			if cd[i] >= 0x7f {
				t.Fatalf("\nwanted:\nascii header\ngot:\n%q", cd)
			}
		}
		if !strings.Contains(cd, "filename*=UTF-8''%E6%99%B4%E5%A4%A9.mp3") {
			t.Fatalf("\nwanted:\nencoded 晴天.mp3\ngot:\n%s", cd)
		}
	})

	t.Run("metadata title is used when the html has none", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ID3"))
		})
		html := `<script>{"play_url":"` + strings.ReplaceAll(media.URL+"/a.mp3", "/", `\/`) + `"}</script>`
		scraper := &fakeScraper{html: html, title: "Night Drive - 汽水音乐"}
		relay := testRelay(t, WithScraper(scraper))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="Night Drive.mp3"`) {
			t.Fatalf("\nwanted:\nNight Drive.mp3\ngot:\n%s", cd)
		}
	})

	t.Run("missing title falls back to the default name", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ID3"))
		})
		html := `{"play_url":"` + media.URL + `/a.mp3"}`
		relay := testRelay(t, WithScraper(&fakeScraper{html: html}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="qishui_audio.mp3"`) {
			t.Fatalf("\nwanted:\nqishui_audio.mp3\ngot:\n%s", cd)
		}
	})

	t.Run("upstream content length is forwarded", func(t *testing.T) {
		payload := "ID3" + strings.Repeat("\x00", 4096)
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Write([]byte(payload))
		})
		relay := testRelay(t, WithScraper(&fakeScraper{html: songPage("Song", media.URL+"/a.mp3")}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(payload)) {
			t.Fatalf("\nwanted:\n%d\ngot:\n%s", len(payload), got)
		}
		if rec.Body.Len() != len(payload) {
			t.Fatalf("\nwanted:\n%d bytes\ngot:\n%d bytes", len(payload), rec.Body.Len())
		}
	})

	t.Run("share text around the link is tolerated", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ID3"))
		})
		scraper := &fakeScraper{html: songPage("Song", media.URL+"/a.mp3")}
		relay := testRelay(t, WithScraper(scraper))

		rec := postResolve(t, relay.Handler(), `{"url": "分享一首歌 https://qishui.douyin.com/s/abc/ 来自汽水音乐"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d (%s)", http.StatusOK, rec.Code, rec.Body.String())
		}
	})
}

func TestResolveAndStreamFailures(t *testing.T) {
	t.Run("empty url is a 400 without network calls", func(t *testing.T) {
		scraper := &fakeScraper{}
		relay := testRelay(t, WithScraper(scraper))

		for _, body := range []string{`{"url": ""}`, `{}`, ``, `{"url": "   "}`} {
			rec := postResolve(t, relay.Handler(), body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("\nwanted:\n%d\ngot:\n%d for %q", http.StatusBadRequest, rec.Code, body)
			}
			if msg := decodeError(t, rec); msg != msgMissingURL {
				t.Fatalf("\nwanted:\n%s\ngot:\n%s", msgMissingURL, msg)
			}
		}
		if scraper.calls.Load() != 0 {
			t.Fatalf("\nwanted:\n0 scrape calls\ngot:\n%d", scraper.calls.Load())
		}
	})

	t.Run("invalid json and text without a link are 400s", func(t *testing.T) {
		scraper := &fakeScraper{}
		relay := testRelay(t, WithScraper(scraper))

		rec := postResolve(t, relay.Handler(), `{"url":`)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgInvalidBody {
			t.Fatalf("\nwanted:\n400 %s\ngot:\n%d %s", msgInvalidBody, rec.Code, rec.Body.String())
		}

		rec = postResolve(t, relay.Handler(), `{"url": "just some words"}`)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgNoLink {
			t.Fatalf("\nwanted:\n400 %s\ngot:\n%d %s", msgNoLink, rec.Code, rec.Body.String())
		}
		if scraper.calls.Load() != 0 {
			t.Fatalf("\nwanted:\n0 scrape calls\ngot:\n%d", scraper.calls.Load())
		}
	})

	t.Run("denied host is a 400 without network calls", func(t *testing.T) {
		scraper := &fakeScraper{}
		scope, _ := NewScopeFromConfig(ScopeConfig{Allow: []string{`(^|\.)douyin\.com$`}})
		relay := testRelay(t, WithScraper(scraper), WithScope(scope))

		rec := postResolve(t, relay.Handler(), `{"url": "https://evil.test/song/1"}`)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgUnsupported {
			t.Fatalf("\nwanted:\n400 %s\ngot:\n%d %s", msgUnsupported, rec.Code, rec.Body.String())
		}
		if scraper.calls.Load() != 0 {
			t.Fatalf("\nwanted:\n0 scrape calls\ngot:\n%d", scraper.calls.Load())
		}
	})

	t.Run("missing scraper is a 500 configuration error", func(t *testing.T) {
		relay := testRelay(t, WithConfig(DefaultConfig()))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusInternalServerError || decodeError(t, rec) != msgConfiguration {
			t.Fatalf("\nwanted:\n500 %s\ngot:\n%d %s", msgConfiguration, rec.Code, rec.Body.String())
		}
	})

	t.Run("scrape failure is a 400", func(t *testing.T) {
		scraper := &fakeScraper{err: &scrape.StatusError{StatusCode: http.StatusPaymentRequired, Body: "credits"}}
		relay := testRelay(t, WithScraper(scraper))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgUpstreamScrape {
			t.Fatalf("\nwanted:\n400 %s\ngot:\n%d %s", msgUpstreamScrape, rec.Code, rec.Body.String())
		}
	})

	t.Run("page without play url is asset not found", func(t *testing.T) {
		relay := testRelay(t, WithScraper(&fakeScraper{html: `<title>VIP Song - 汽水音乐</title>`}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgAssetNotFound {
			t.Fatalf("\nwanted:\n400 %s\ngot:\n%d %s", msgAssetNotFound, rec.Code, rec.Body.String())
		}
	})

	t.Run("relative play url is malformed", func(t *testing.T) {
		relay := testRelay(t, WithScraper(&fakeScraper{html: `{"play_url":"\/media\/a.mp3"}`}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgMalformedURL {
			t.Fatalf("\nwanted:\n400 %s\ngot:\n%d %s", msgMalformedURL, rec.Code, rec.Body.String())
		}
	})

	t.Run("upstream non-2xx is a JSON error, never a 200", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		})
		relay := testRelay(t, WithScraper(&fakeScraper{html: songPage("Song", media.URL+"/a.mp3")}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusBadRequest, rec.Code)
		}
		if msg := decodeError(t, rec); msg != "Failed to fetch audio stream: 403 Forbidden" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "Failed to fetch audio stream: 403 Forbidden", msg)
		}
		if rec.Header().Get("Content-Disposition") != "" {
			t.Fatalf("\nwanted:\nno Content-Disposition\ngot:\n%s", rec.Header().Get("Content-Disposition"))
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("\nwanted:\n*\ngot:\n%s", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("html served with a 200 is a JSON error", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write([]byte("<!DOCTYPE html><html><body>This link has expired</body></html>"))
		})
		relay := testRelay(t, WithScraper(&fakeScraper{html: songPage("Song", media.URL+"/a.mp3")}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusBadRequest, rec.Code)
		}
		if msg := decodeError(t, rec); !strings.Contains(msg, "web page instead of audio") {
			t.Fatalf("\nwanted:\nweb page message\ngot:\n%s", msg)
		}
	})

	t.Run("unreachable media host is a JSON error", func(t *testing.T) {
		relay := testRelay(t, WithScraper(&fakeScraper{html: songPage("Song", "http://127.0.0.1:1/a.mp3")}))

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusBadRequest, rec.Code)
		}
		decodeError(t, rec)
	})

	t.Run("GET on the pipeline endpoint is not allowed", func(t *testing.T) {
		relay := testRelay(t, WithScraper(&fakeScraper{}))

		req := httptest.NewRequest(http.MethodGet, "/resolve-and-stream", nil)
		rec := httptest.NewRecorder()
		relay.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusMethodNotAllowed, rec.Code)
		}
		decodeError(t, rec)
	})
}

func TestPreflight(t *testing.T) {
	t.Run("OPTIONS on any path answers without running the pipeline", func(t *testing.T) {
		scraper := &fakeScraper{}
		relay := testRelay(t, WithScraper(scraper))

		for _, path := range []string{"/resolve-and-stream", "/anything"} {
			req := httptest.NewRequest(http.MethodOptions, path, nil)
			rec := httptest.NewRecorder()
			relay.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, rec.Code)
			}
			if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Fatalf("\nwanted:\n*\ngot:\n%s", rec.Header().Get("Access-Control-Allow-Origin"))
			}
			if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "content-type") {
				t.Fatalf("\nwanted:\ncontent-type allowed\ngot:\n%s", rec.Header().Get("Access-Control-Allow-Headers"))
			}
		}
		if scraper.calls.Load() != 0 {
			t.Fatalf("\nwanted:\n0 scrape calls\ngot:\n%d", scraper.calls.Load())
		}
	})
}

func TestCancellation(t *testing.T) {
	t.Run("client abort mid-stream cancels the upstream read", func(t *testing.T) {
		upstreamClosed := make(chan struct{})
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ID3" + strings.Repeat("\x00", 1024)))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			close(upstreamClosed)
		})
		relay := testRelay(t, WithScraper(&fakeScraper{html: songPage("Song", media.URL+"/a.mp3")}))
		server := httptest.NewServer(relay.Handler())
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/resolve-and-stream", strings.NewReader(`{"url": "https://example.test/song/1"}`))
		if err != nil {
			t.Fatalf("creating request: %v", err)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if res.StatusCode != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, res.StatusCode)
		}
		chunk := make([]byte, 3)
		if _, err := io.ReadFull(res.Body, chunk); err != nil || string(chunk) != "ID3" {
			t.Fatalf("\nwanted:\nID3\ngot:\n%q (%v)", chunk, err)
		}

		cancel()
		res.Body.Close()

		select {
		case <-upstreamClosed:
		case <-time.After(2 * time.Second):
			t.Fatalf("\nwanted:\nupstream cancelled within 2s\ngot:\nstill open")
		}
	})

	t.Run("cancelled scrape result is discarded", func(t *testing.T) {
		mediaCalled := atomic.Bool{}
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			mediaCalled.Store(true)
			w.Write([]byte("ID3"))
		})
		relay := testRelay(t)
		ctx, cancel := context.WithCancel(context.Background())
		relay.Scraper = scraperFunc(func(context.Context, string) (*domain.ScrapedPage, error) {
			cancel()
			return &domain.ScrapedPage{HTML: songPage("Song", media.URL+"/a.mp3")}, nil
		})

		req := httptest.NewRequest(http.MethodPost, "/resolve-and-stream", strings.NewReader(`{"url": "https://example.test/song/1"}`)).WithContext(ctx)
		rec := httptest.NewRecorder()
		relay.ServeHTTP(rec, req)

		if mediaCalled.Load() {
			t.Fatalf("\nwanted:\nno media fetch\ngot:\nfetched")
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("\nwanted:\nno body for a gone caller\ngot:\n%s", rec.Body.String())
		}
	})
}

type scraperFunc func(ctx context.Context, sourceURL string) (*domain.ScrapedPage, error)

func (f scraperFunc) FetchPage(ctx context.Context, sourceURL string) (*domain.ScrapedPage, error) {
	return f(ctx, sourceURL)
}

func TestStreamOutcomeWriteTo(t *testing.T) {
	t.Run("upstream read error after commit is an upstream fetch error", func(t *testing.T) {
		outcome := &StreamOutcome{
			ContentType:   "audio/mpeg",
			Filename:      "a.mp3",
			ContentLength: -1,
			body:          io.NopCloser(io.MultiReader(strings.NewReader("ID3"), erroringReader{})),
		}
		rec := httptest.NewRecorder()

		written, err := outcome.WriteTo(rec)
		if !errors.Is(err, ErrUpstreamFetch) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrUpstreamFetch, err)
		}
		if written != 3 || !outcome.Committed() {
			t.Fatalf("\nwanted:\n3 bytes committed\ngot:\n%d bytes committed=%v", written, outcome.Committed())
		}
		if rec.Header().Get("Content-Length") != "" {
			t.Fatalf("\nwanted:\nno Content-Length\ngot:\n%s", rec.Header().Get("Content-Length"))
		}
		if !rec.Flushed {
			t.Fatalf("\nwanted:\nflushed\ngot:\nnot flushed")
		}
	})

	t.Run("failed write to the caller is a stream interruption", func(t *testing.T) {
		outcome := &StreamOutcome{
			ContentType:   "audio/mpeg",
			Filename:      "a.mp3",
			ContentLength: 3,
			body:          io.NopCloser(strings.NewReader("ID3")),
		}

		_, err := outcome.WriteTo(&brokenWriter{header: make(http.Header)})
		if !errors.Is(err, ErrStreamInterrupted) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrStreamInterrupted, err)
		}
	})
}

// brokenWriter fails every body write, like a caller that went away.
type brokenWriter struct {
	header http.Header
}

func (bw *brokenWriter) Header() http.Header       { return bw.header }
func (bw *brokenWriter) WriteHeader(int)           {}
func (bw *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestHealth(t *testing.T) {
	t.Run("reports ok without an activity log", func(t *testing.T) {
		relay := testRelay(t, WithScraper(&fakeScraper{}))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		relay.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, rec.Code)
		}
		var health healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
			t.Fatalf("decoding health: %v", err)
		}
		if health.Status != "ok" || !health.Configured || health.Activity != nil {
			t.Fatalf("\nwanted:\nok, configured, no activity\ngot:\n%+v", health)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("outcomes are counted", func(t *testing.T) {
		relay := testRelay(t, WithScraper(&fakeScraper{}))
		handler := relay.Handler()
		postResolve(t, handler, `{"url": ""}`)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `sodarelay_resolutions_total{outcome="input"} 1`) {
			t.Fatalf("\nwanted:\ninput outcome counted\ngot:\n%s", rec.Body.String())
		}
	})
}

func TestActivityLog(t *testing.T) {
	t.Run("one row per finished request and no urls", func(t *testing.T) {
		media := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ID3..."))
		})
		path := filepath.Join(t.TempDir(), "activity.db")
		conn, err := db.New(path)
		if err != nil {
			t.Fatalf("opening db: %v", err)
		}
		relay := testRelay(t, WithScraper(&fakeScraper{html: songPage("Song", media.URL+"/a.mp3")}), WithRepo(db.NewRepo(conn)))
		handler := relay.Handler()

		rec := postResolve(t, handler, `{"url": "https://example.test/song/secret-id"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, rec.Code)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			count, err := relay.Repo.CountLogs()
			if err != nil {
				t.Fatalf("counting logs: %v", err)
			}
			if count == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("\nwanted:\n1 row\ngot:\n%d", count)
			}
			time.Sleep(10 * time.Millisecond)
		}

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		healthRec := httptest.NewRecorder()
		handler.ServeHTTP(healthRec, req)
		var health healthResponse
		if err := json.Unmarshal(healthRec.Body.Bytes(), &health); err != nil {
			t.Fatalf("decoding health: %v", err)
		}
		if health.Activity == nil || health.Activity.Outcomes["success"] != 1 || health.Activity.RelayedBytes != int64(len("ID3...")) {
			t.Fatalf("\nwanted:\none success of 6 bytes\ngot:\n%+v", health.Activity)
		}

		if err := relay.Close(); err != nil {
			t.Fatalf("closing relay: %v", err)
		}

		conn, err = db.New(path)
		if err != nil {
			t.Fatalf("reopening db: %v", err)
		}
		repo := db.NewRepo(conn)
		defer repo.Close()

		logs, err := repo.GetLogs()
		if err != nil {
			t.Fatalf("reading logs: %v", err)
		}
		if len(logs) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(logs))
		}
		entry := logs[0]
		if entry.Outcome != "success" || entry.Status != http.StatusOK || entry.SourceHost != "example.test" {
			t.Fatalf("\nwanted:\nsuccess 200 example.test\ngot:\n%s %d %s", entry.Outcome, entry.Status, entry.SourceHost)
		}
		if entry.RequestID == nil || *entry.RequestID != rec.Header().Get("X-Request-ID") {
			t.Fatalf("\nwanted:\n%s\ngot:\n%v", rec.Header().Get("X-Request-ID"), entry.RequestID)
		}
		raw, _ := json.Marshal(entry)
		if bytes.Contains(raw, []byte("secret-id")) || bytes.Contains(raw, []byte("a.mp3")) {
			t.Fatalf("\nwanted:\nno urls stored\ngot:\n%s", raw)
		}
	})

	t.Run("WriteLog rejects unknown levels and writes after close", func(t *testing.T) {
		relay := testRelay(t)
		if err := relay.WriteLog("LOUD", "x"); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
		if err := relay.Close(); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if err := relay.WriteLog("INFO", "x"); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
	})
}

func TestRecoverer(t *testing.T) {
	t.Run("panic before headers becomes a 500 JSON error", func(t *testing.T) {
		relay := testRelay(t)
		relay.Scraper = scraperFunc(func(context.Context, string) (*domain.ScrapedPage, error) {
			panic("scraper exploded")
		})

		rec := postResolve(t, relay.Handler(), `{"url": "https://example.test/song/1"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusInternalServerError, rec.Code)
		}
		if msg := decodeError(t, rec); msg != msgInternal {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", msgInternal, msg)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("\nwanted:\n*\ngot:\n%s", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
