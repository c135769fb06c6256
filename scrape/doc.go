// Package scrape fetches the rendered HTML of a source page through a Firecrawl compatible
// scrape endpoint.
//
// The client never retries. A non-2xx answer from the provider is returned as a *StatusError
// wrapping ErrUpstreamScrape, with the provider body kept for diagnostics.
package scrape
