// Package sources provides the concrete source adapters the controller
// drives: paginated JSON APIs and pages that embed their data as a script
// app-state blob.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/quarryd/quarry/internal/fetch"
	"github.com/quarryd/quarry/internal/pipeline"
)

// Fetcher is the slice of the fetch client the adapters need.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// APIConfig describes a paginated JSON API. LookupPath must contain an
// "{id}" placeholder.
type APIConfig struct {
	BaseURL     string
	SearchPath  string
	LookupPath  string
	Query       url.Values
	LookupQuery url.Values
	PageSize    int
	// ItemsField names the top-level array of items in a search response.
	ItemsField string
	// TotalField names the top-level total-hits count; optional. Without
	// it a short page signals the last page.
	TotalField string
	// IDField names the item field holding the stable identifier.
	IDField string
	// Columns are dotted paths into an item's detail document, flattened
	// into tabular rows alongside the id.
	Columns []string
}

// API adapts a paginated search/lookup JSON API. It implements
// pipeline.Source and pipeline.RowMapper.
type API struct {
	cfg     APIConfig
	fetcher Fetcher
}

// NewAPI validates cfg and builds the adapter.
func NewAPI(cfg APIConfig, fetcher Fetcher) (*API, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.ItemsField == "" || cfg.IDField == "" {
		return nil, fmt.Errorf("items field and id field are required")
	}
	if !strings.Contains(cfg.LookupPath, "{id}") {
		return nil, fmt.Errorf("lookup path %q needs an {id} placeholder", cfg.LookupPath)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	return &API{cfg: cfg, fetcher: fetcher}, nil
}

// Search requests one page of item references.
func (a *API) Search(ctx context.Context, page int) (pipeline.SearchResult, error) {
	query := url.Values{}
	for k, vs := range a.cfg.Query {
		query[k] = vs
	}
	offset := page * a.cfg.PageSize
	query.Set("limit", strconv.Itoa(a.cfg.PageSize))
	query.Set("offset", strconv.Itoa(offset))

	resp, err := a.fetcher.Do(ctx, fetch.Request{
		URL: a.cfg.BaseURL + a.cfg.SearchPath + "?" + query.Encode(),
	})
	if err != nil {
		return pipeline.SearchResult{}, fmt.Errorf("search offset %d: %w", offset, err)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return pipeline.SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}
	rawItems, ok := body[a.cfg.ItemsField].([]any)
	if !ok {
		return pipeline.SearchResult{}, fmt.Errorf("search response has no %q array", a.cfg.ItemsField)
	}

	result := pipeline.SearchResult{Refs: make([]pipeline.ItemRef, 0, len(rawItems))}
	for _, raw := range rawItems {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := item[a.cfg.IDField].(string)
		if id == "" {
			continue
		}
		result.Refs = append(result.Refs, pipeline.ItemRef{ID: id, Meta: item})
	}

	result.HasMore = len(rawItems) == a.cfg.PageSize
	if a.cfg.TotalField != "" {
		if total, ok := body[a.cfg.TotalField].(float64); ok {
			result.HasMore = offset+len(rawItems) < int(total)
		}
	}
	return result, nil
}

// Lookup resolves one item reference to its full detail document.
func (a *API) Lookup(ctx context.Context, ref pipeline.ItemRef) (pipeline.RawResponse, error) {
	path := strings.ReplaceAll(a.cfg.LookupPath, "{id}", url.PathEscape(ref.ID))
	target := a.cfg.BaseURL + path
	if len(a.cfg.LookupQuery) > 0 {
		target += "?" + a.cfg.LookupQuery.Encode()
	}

	resp, err := a.fetcher.Do(ctx, fetch.Request{URL: target})
	if err != nil {
		return pipeline.RawResponse{}, fmt.Errorf("lookup %s: %w", ref.ID, err)
	}
	return pipeline.RawResponse{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Duration:   resp.Duration,
	}, nil
}

// Header returns the tabular column names: id first, then the configured
// detail columns.
func (a *API) Header() []string {
	header := make([]string, 0, len(a.cfg.Columns)+1)
	header = append(header, "id")
	for _, col := range a.cfg.Columns {
		header = append(header, strings.ReplaceAll(col, ".", "_"))
	}
	return header
}

// Row flattens a detail document into one tabular row. Missing paths yield
// empty cells rather than an error.
func (a *API) Row(ref pipeline.ItemRef, detail []byte) ([]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(detail, &doc); err != nil {
		return nil, fmt.Errorf("decode detail for %s: %w", ref.ID, err)
	}
	row := make([]string, 0, len(a.cfg.Columns)+1)
	row = append(row, ref.ID)
	for _, col := range a.cfg.Columns {
		row = append(row, stringAt(doc, col))
	}
	return row, nil
}

// stringAt walks a dotted path through nested objects and renders the leaf
// as a string. Missing segments produce "".
func stringAt(doc map[string]any, path string) string {
	var current any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[seg]
		if !ok {
			return ""
		}
	}
	switch v := current.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
