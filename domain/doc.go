// Package domain defines the request-scoped value types that flow through the
// resolution pipeline, such as ScrapedPage and ExtractedAsset, together with the
// repository interfaces for the activity log.
//
// Every value here lives for one request only. None of them is cached or shared
// between concurrent requests; the repositories persist outcomes, never URLs.
package domain
