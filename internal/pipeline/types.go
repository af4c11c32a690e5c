// Package pipeline defines the core types and contracts shared across the
// acquisition subsystems: sources, the pagination controller, sinks, and
// the scheduler glue.
package pipeline

import (
	"net/http"
	"time"
)

// ItemRef is the lightweight identifier a search stage yields for one item.
// Meta carries whatever skeleton fields the source exposed alongside the ID
// (title, score, ...); sinks may use it for tabular output.
type ItemRef struct {
	ID   string
	Meta map[string]any
}

// SearchResult is one page of search output.
type SearchResult struct {
	Refs    []ItemRef
	HasMore bool
}

// RawResponse is the payload returned by a detail lookup.
type RawResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Report summarizes one controller run.
type Report struct {
	Searched int `json:"searched"`
	LookedUp int `json:"looked_up"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}
