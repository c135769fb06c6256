package domain

// ResolutionRequest is the decoded body of an inbound resolve-and-stream call.
type ResolutionRequest struct {
	SourceURL string `json:"url"` // Source page URL, possibly surrounded by share text
}

// ScrapedPage is the rendered HTML returned by the scrape provider for one source page.
type ScrapedPage struct {
	HTML      string // Rendered HTML of the source page
	SourceURL string // The URL that was scraped
	Title     string // Page title reported by the provider metadata, may be empty
}

// ExtractedAsset is the playable media location and download name derived from a ScrapedPage.
type ExtractedAsset struct {
	MediaURL     string // Absolute, directly fetchable media URL
	Filename     string // Sanitized filename including the extension
	Title        string // Title with the brand suffix removed, empty when absent
	TitlePresent bool   // Whether the page carried a usable <title>
}
