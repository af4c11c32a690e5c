package sources

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quarryd/quarry/internal/extract"
	"github.com/quarryd/quarry/internal/fetch"
	"github.com/quarryd/quarry/internal/pipeline"
)

// AppStateConfig describes a site that serves its data as a JSON blob
// assigned to a global inside a script tag. SearchPath may contain a
// "{page}" placeholder for paginated listings; LookupPath must contain
// "{id}".
type AppStateConfig struct {
	BaseURL    string
	SearchPath string
	LookupPath string
	// Marker is the text immediately preceding the embedded value, for
	// example "window.__APP_STATE__".
	Marker string
	// ItemsPath is a dotted path from the listing page's extracted value
	// to its array of items.
	ItemsPath string
	IDField   string
	// WaitSelector, when set together with a renderer, makes page loads
	// go through a headless browser and wait for the selector.
	WaitSelector  string
	RenderTimeout time.Duration
}

// AppState adapts script-embedded JSON pages into the search/lookup shape.
// Lookup returns the extracted embedded value, not the page markup.
type AppState struct {
	cfg      AppStateConfig
	fetcher  Fetcher
	renderer pipeline.Renderer
}

// NewAppState validates cfg and builds the adapter. renderer may be nil for
// sites that embed the value in the initial markup.
func NewAppState(cfg AppStateConfig, fetcher Fetcher, renderer pipeline.Renderer) (*AppState, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Marker == "" {
		return nil, fmt.Errorf("marker is required")
	}
	if cfg.ItemsPath == "" || cfg.IDField == "" {
		return nil, fmt.Errorf("items path and id field are required")
	}
	if !strings.Contains(cfg.LookupPath, "{id}") {
		return nil, fmt.Errorf("lookup path %q needs an {id} placeholder", cfg.LookupPath)
	}
	if cfg.WaitSelector != "" && renderer == nil {
		return nil, fmt.Errorf("wait selector %q set without a renderer", cfg.WaitSelector)
	}
	return &AppState{cfg: cfg, fetcher: fetcher, renderer: renderer}, nil
}

// Search loads a listing page, extracts its embedded value, and builds item
// references from the configured items array.
func (s *AppState) Search(ctx context.Context, page int) (pipeline.SearchResult, error) {
	path := strings.ReplaceAll(s.cfg.SearchPath, "{page}", strconv.Itoa(page))
	markup, err := s.load(ctx, s.cfg.BaseURL+path)
	if err != nil {
		return pipeline.SearchResult{}, fmt.Errorf("search page %d: %w", page, err)
	}

	doc, err := extract.Extract(string(markup), s.cfg.Marker)
	if err != nil {
		return pipeline.SearchResult{}, &pipeline.ExtractionError{
			Err: fmt.Errorf("extract listing state: %w", err),
			Raw: markup,
		}
	}
	var state map[string]any
	if err := doc.Value(&state); err != nil {
		return pipeline.SearchResult{}, &pipeline.ExtractionError{
			Err: fmt.Errorf("decode listing state: %w", err),
			Raw: markup,
		}
	}

	items, err := itemsAt(state, s.cfg.ItemsPath)
	if err != nil {
		return pipeline.SearchResult{}, &pipeline.ExtractionError{Err: err, Raw: markup}
	}

	result := pipeline.SearchResult{Refs: make([]pipeline.ItemRef, 0, len(items))}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := idString(item[s.cfg.IDField])
		if id == "" {
			continue
		}
		result.Refs = append(result.Refs, pipeline.ItemRef{ID: id, Meta: item})
	}
	result.HasMore = strings.Contains(s.cfg.SearchPath, "{page}") && len(result.Refs) > 0
	return result, nil
}

// Lookup loads an item page and returns its embedded value as the detail
// document. Extraction failures carry the page markup for diagnosis.
func (s *AppState) Lookup(ctx context.Context, ref pipeline.ItemRef) (pipeline.RawResponse, error) {
	path := strings.ReplaceAll(s.cfg.LookupPath, "{id}", ref.ID)
	target := s.cfg.BaseURL + path

	start := time.Now()
	markup, err := s.load(ctx, target)
	if err != nil {
		return pipeline.RawResponse{}, fmt.Errorf("lookup %s: %w", ref.ID, err)
	}

	doc, err := extract.Extract(string(markup), s.cfg.Marker)
	if err != nil {
		return pipeline.RawResponse{}, &pipeline.ExtractionError{
			Err: fmt.Errorf("extract %s: %w", ref.ID, err),
			Raw: markup,
		}
	}
	return pipeline.RawResponse{
		URL:      target,
		Body:     []byte(doc.Raw),
		Duration: time.Since(start),
	}, nil
}

func (s *AppState) load(ctx context.Context, target string) ([]byte, error) {
	if s.renderer != nil && s.cfg.WaitSelector != "" {
		return s.renderer.Render(ctx, target, s.cfg.WaitSelector, s.cfg.RenderTimeout)
	}
	resp, err := s.fetcher.Do(ctx, fetch.Request{URL: target})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func itemsAt(state map[string]any, path string) ([]any, error) {
	var current any = state
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items path %q: %q is not an object", path, seg)
		}
		current, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("items path %q: missing %q", path, seg)
		}
	}
	items, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("items path %q: not an array", path)
	}
	return items, nil
}

// idString accepts string and numeric identifiers; embedded states often
// carry numeric ids.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}
