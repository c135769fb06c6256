// Package rawhttp renders outbound requests and failed upstream responses as raw HTTP text
// for debug logging.
package rawhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// DefaultSnippetSize is how much of an upstream body DumpResponse reads by default.
const DefaultSnippetSize = 2 << 10

// redactedHeaders never appear in dumps.
var redactedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "Proxy-Authorization"}

const redacted = "[REDACTED]"

// Prettify indents JSON, XML and HTML bodies. Any other body, or one that fails to parse,
// yields an empty slice.
func Prettify(bodyBytes []byte) ([]byte, error) {
	trimmedBody := bytes.TrimSpace(bodyBytes)
	if len(trimmedBody) == 0 {
		return []byte{}, nil
	}

	var jsonData any
	if err := json.Unmarshal(trimmedBody, &jsonData); err == nil {
		output, err := json.MarshalIndent(jsonData, "", "  ")
		if err != nil {
			return []byte{}, fmt.Errorf("remarshalling JSON: %w", err)
		}
		return output, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(trimmedBody); err == nil && doc.Root() != nil {
		doc.Indent(1)
		var output bytes.Buffer
		if _, err := doc.WriteTo(&output); err != nil {
			return []byte{}, fmt.Errorf("writing indented XML : %w", err)
		}
		return output.Bytes(), nil
	}

	detected := mimetype.Detect(trimmedBody)
	if detected.Is("text/html") ||
		(bytes.HasPrefix(trimmedBody, []byte("<")) && !bytes.HasPrefix(trimmedBody, []byte("<?xml"))) {
		output := gohtml.FormatBytes(trimmedBody)
		if !bytes.Equal(output, trimmedBody) && len(output) > 0 {
			return output, nil
		}
	}

	return []byte{}, nil
}

// DumpResponse dumps the status line, the headers and at most limit bytes of the body of
// res. The body is restored so the bytes read here are seen again by the next reader, and
// nothing past limit is pulled from the network.
//
// The pretty dump is empty when the snippet could not be prettified.
func DumpResponse(res *http.Response, limit int) (rawDump []byte, prettyDump string, err error) {
	if limit <= 0 {
		limit = DefaultSnippetSize
	}

	head, err := httputil.DumpResponse(redactResponse(res), false)
	if err != nil {
		return []byte{}, "", fmt.Errorf("dumping response : %w", err)
	}

	var snippet []byte
	if res.Body != nil && res.Body != http.NoBody {
		snippet, err = io.ReadAll(io.LimitReader(res.Body, int64(limit)))
		if err != nil {
			return []byte{}, "", fmt.Errorf("reading response body: %w", err)
		}
		res.Body = &replayBody{
			Reader: io.MultiReader(bytes.NewReader(snippet), res.Body),
			Closer: res.Body,
		}
	}

	fullDump := make([]byte, 0, len(head)+len(snippet))
	fullDump = append(fullDump, head...)
	fullDump = append(fullDump, snippet...)

	prettified, err := Prettify(snippet)
	if err != nil || len(prettified) == 0 {
		return fullDump, "", nil
	}

	prettyHeaders := make([]byte, len(head))
	copy(prettyHeaders, head)
	return fullDump, string(append(prettyHeaders, prettified...)), nil
}

// DumpRequest dumps the request line and headers of an outbound request with credentials
// redacted. The body is left untouched.
func DumpRequest(req *http.Request) ([]byte, error) {
	clone := req.Clone(req.Context())
	for _, name := range redactedHeaders {
		if clone.Header.Get(name) != "" {
			clone.Header.Set(name, redacted)
		}
	}
	clone.Body = nil

	dump, err := httputil.DumpRequestOut(clone, false)
	if err != nil {
		return []byte{}, fmt.Errorf("dumping request : %w", err)
	}
	return dump, nil
}

// Snippet returns body as a single log-friendly line of at most n bytes.
func Snippet(body []byte, n int) string {
	if len(body) > n {
		body = body[:n]
	}
	return strings.Join(strings.Fields(string(bytes.ToValidUTF8(body, []byte("?")))), " ")
}

func redactResponse(res *http.Response) *http.Response {
	copied := *res
	copied.Header = res.Header.Clone()
	for _, name := range redactedHeaders {
		if copied.Header.Get(name) != "" {
			copied.Header.Set(name, redacted)
		}
	}
	copied.Body = nil
	return &copied
}

// replayBody serves already read bytes before the rest of the original body.
type replayBody struct {
	io.Reader
	io.Closer
}
