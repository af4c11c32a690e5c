package pipeline

import (
	"context"
	"time"
)

// Source is the adapter contract every external source implements. Search
// enumerates item references page by page; Lookup resolves one reference to
// its full detail payload. Adapter internals (selectors, query grammar,
// rendering engines) stay behind this boundary.
type Source interface {
	Search(ctx context.Context, page int) (SearchResult, error)
	Lookup(ctx context.Context, ref ItemRef) (RawResponse, error)
}

// RowMapper is implemented by sources that can flatten a looked-up detail
// into one tabular row. Sources that only produce documents skip it.
type RowMapper interface {
	Header() []string
	Row(ref ItemRef, detail []byte) ([]string, error)
}

// Renderer fetches a page through a JavaScript-capable browser and returns
// the rendered HTML once waitSelector is present.
type Renderer interface {
	Render(ctx context.Context, url, waitSelector string, timeout time.Duration) ([]byte, error)
}

// RowSink receives tabular records, one logical record per row.
type RowSink interface {
	Append(row []string) error
}

// DocumentSink persists one structured document per item and returns its URI.
type DocumentSink interface {
	Put(ctx context.Context, id string, data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}
