// Package extract turns the rendered HTML of a source page into an ExtractedAsset.
//
// The media URL lookup is a single regular expression over the raw HTML. Source pages
// embed their player state as JSON inside a script tag, and the shape of that markup is
// not under our control. When the page format drifts, FindPlayURL is the only function
// that needs to change.
//
// Everything in this package is a pure function of its input: no network, no filesystem.
package extract
