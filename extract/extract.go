package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tfkr-ae/sodarelay/domain"
)

var (
	// ErrAssetNotFound is returned when the HTML carries no play URL field. The page may be
	// restricted (VIP-only, region-locked, login required) or its markup may have changed;
	// the two cases cannot be told apart from the HTML alone.
	ErrAssetNotFound = errors.New("play url not found in page")

	// ErrMalformedURL is returned when the matched play URL cannot be turned into an
	// absolute http(s) URL, even after lenient unescaping.
	ErrMalformedURL = errors.New("malformed media url")
)

// playURLPattern matches `"play_url": "<json string body>"`. The capture keeps escape
// sequences intact so NormalizeURL can decode them.
var playURLPattern = regexp.MustCompile(`"play_url"\s*:\s*"((?:[^"\\]|\\.)+)"`)

// Naming controls how filenames are derived from page titles.
type Naming struct {
	BrandSuffix string // Trailing brand text removed from titles, e.g. " - 汽水音乐"
	DefaultName string // Filename stem used when there is no usable title
	Extension   string // Extension appended to every filename, including the dot
}

// DefaultNaming mirrors the naming used by the Soda Music share pages.
func DefaultNaming() Naming {
	return Naming{
		BrandSuffix: " - 汽水音乐",
		DefaultName: "qishui_audio",
		Extension:   ".mp3",
	}
}

// Extract finds the media URL and title in html and builds the ExtractedAsset.
// A missing play URL is an error, a missing title is not.
func Extract(html string, naming Naming) (*domain.ExtractedAsset, error) {
	raw, ok := FindPlayURL(html)
	if !ok {
		return nil, ErrAssetNotFound
	}

	mediaURL, err := NormalizeURL(raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing play url : %w", err)
	}

	title, present := FindTitle(html, naming.BrandSuffix)
	return &domain.ExtractedAsset{
		MediaURL:     mediaURL,
		Filename:     SanitizeFilename(title, present, naming),
		Title:        title,
		TitlePresent: present,
	}, nil
}

// FindPlayURL returns the raw, still escaped, value of the first play_url field in html.
func FindPlayURL(html string) (string, bool) {
	match := playURLPattern.FindStringSubmatch(html)
	if len(match) < 2 || match[1] == "" {
		return "", false
	}
	return match[1], true
}

// FindTitle returns the text of the first <title> element with the brand suffix and any
// surrounding 《》 quotes removed. The boolean is false when there is no title or nothing
// is left after trimming.
func FindTitle(html string, brandSuffix string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	return CleanTitle(doc.Find("title").First().Text(), brandSuffix)
}

// CleanTitle applies the FindTitle trimming to an already extracted title, such as the
// one reported in scrape metadata.
func CleanTitle(title string, brandSuffix string) (string, bool) {
	title = strings.TrimSpace(title)
	if brandSuffix != "" {
		title = strings.TrimSpace(strings.TrimSuffix(title, strings.TrimSpace(brandSuffix)))
	}
	title = unquoteBookTitle(title)

	if title == "" {
		return "", false
	}
	return title, true
}

// unquoteBookTitle turns "《晴天》 周杰伦" into "晴天". Titles without the opening mark are returned as is.
func unquoteBookTitle(title string) string {
	if !strings.HasPrefix(title, "《") {
		return title
	}
	inner := strings.TrimPrefix(title, "《")
	end := strings.Index(inner, "》")
	if end < 0 {
		return title
	}
	return strings.TrimSpace(inner[:end])
}
