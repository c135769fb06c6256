package scrape

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// readBody reads at most maxResponseBytes of the response, undoing a br or gzip
// Content-Encoding. Unknown encodings are returned as is.
func readBody(res *http.Response) ([]byte, error) {
	var reader io.Reader = res.Body

	switch strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding"))) {
	case "br":
		reader = brotli.NewReader(res.Body)
	case "gzip":
		gzipReader, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader : %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body : %w", err)
	}
	return body, nil
}
