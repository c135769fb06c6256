package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL decodes the JSON string escapes in a matched play URL and checks that the
// result is an absolute http(s) URL.
//
// When strict JSON decoding fails only the `\/` sequence is unescaped and the rest of the
// value is kept verbatim.
func NormalizeURL(raw string) (string, error) {
	var decoded string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &decoded); err != nil {
		decoded = strings.ReplaceAll(raw, `\/`, "/")
	}
	decoded = strings.TrimSpace(decoded)

	parsed, err := url.Parse(decoded)
	if err != nil {
		return "", fmt.Errorf("%w : %w", ErrMalformedURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w : scheme %q is not http or https", ErrMalformedURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w : missing host", ErrMalformedURL)
	}
	return decoded, nil
}
