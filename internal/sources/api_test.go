package sources

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarryd/quarry/internal/fetch"
	"github.com/quarryd/quarry/internal/pipeline"
)

func ref(id string) pipeline.ItemRef { return pipeline.ItemRef{ID: id} }

// stubFetcher serves canned bodies keyed by full URL.
type stubFetcher struct {
	responses map[string]string
	requests  []string
}

func (f *stubFetcher) Do(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.requests = append(f.requests, req.URL)
	body, ok := f.responses[req.URL]
	if !ok {
		return fetch.Response{}, fmt.Errorf("unexpected url %s", req.URL)
	}
	return fetch.Response{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func newTestAPI(t *testing.T, fetcher Fetcher) *API {
	t.Helper()
	api, err := NewAPI(APIConfig{
		BaseURL:    "http://api.test",
		SearchPath: "/v2/release",
		LookupPath: "/v2/release/{id}",
		Query:      url.Values{"query": {"country:NO"}, "fmt": {"json"}},
		PageSize:   2,
		ItemsField: "releases",
		TotalField: "count",
		IDField:    "id",
		Columns:    []string{"title", "label.name", "score"},
	}, fetcher)
	require.NoError(t, err)
	return api
}

func TestNewAPIValidation(t *testing.T) {
	_, err := NewAPI(APIConfig{}, nil)
	require.ErrorContains(t, err, "base url")

	_, err = NewAPI(APIConfig{BaseURL: "http://x", ItemsField: "a", IDField: "id", LookupPath: "/r/"}, nil)
	require.ErrorContains(t, err, "{id} placeholder")
}

func TestAPISearchPagination(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{
		"http://api.test/v2/release?fmt=json&limit=2&offset=0&query=country%3ANO": `{
			"count": 3,
			"releases": [{"id": "r1", "title": "One"}, {"id": "r2", "title": "Two"}]
		}`,
		"http://api.test/v2/release?fmt=json&limit=2&offset=2&query=country%3ANO": `{
			"count": 3,
			"releases": [{"id": "r3", "title": "Three"}]
		}`,
	}}
	api := newTestAPI(t, fetcher)

	page0, err := api.Search(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, page0.Refs, 2)
	require.Equal(t, "r1", page0.Refs[0].ID)
	require.Equal(t, "One", page0.Refs[0].Meta["title"])
	require.True(t, page0.HasMore)

	page1, err := api.Search(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, page1.Refs, 1)
	require.False(t, page1.HasMore)
}

func TestAPISearchHasMoreWithoutTotalField(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{
		"http://api.test/v2/release?limit=2&offset=0": `{"releases": [{"id": "a"}, {"id": "b"}]}`,
		"http://api.test/v2/release?limit=2&offset=2": `{"releases": [{"id": "c"}]}`,
	}}
	api, err := NewAPI(APIConfig{
		BaseURL:    "http://api.test",
		SearchPath: "/v2/release",
		LookupPath: "/v2/release/{id}",
		PageSize:   2,
		ItemsField: "releases",
		IDField:    "id",
	}, fetcher)
	require.NoError(t, err)

	page0, err := api.Search(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, page0.HasMore, "full page implies more without a total")

	page1, err := api.Search(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, page1.HasMore, "short page is the last page")
}

func TestAPISearchSkipsItemsWithoutID(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{
		"http://api.test/v2/release?fmt=json&limit=2&offset=0&query=country%3ANO": `{
			"count": 2,
			"releases": [{"title": "no id"}, {"id": "ok"}]
		}`,
	}}
	api := newTestAPI(t, fetcher)

	result, err := api.Search(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, result.Refs, 1)
	require.Equal(t, "ok", result.Refs[0].ID)
}

func TestAPILookupBuildsURL(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{
		"http://api.test/v2/release/r1?inc=labels": `{"id": "r1", "title": "One"}`,
	}}
	api, err := NewAPI(APIConfig{
		BaseURL:     "http://api.test",
		SearchPath:  "/v2/release",
		LookupPath:  "/v2/release/{id}",
		LookupQuery: url.Values{"inc": {"labels"}},
		ItemsField:  "releases",
		IDField:     "id",
	}, fetcher)
	require.NoError(t, err)

	resp, err := api.Lookup(context.Background(), ref("r1"))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.JSONEq(t, `{"id": "r1", "title": "One"}`, string(resp.Body))
}

func TestAPIRowFlattening(t *testing.T) {
	api := newTestAPI(t, &stubFetcher{})
	require.Equal(t, []string{"id", "title", "label_name", "score"}, api.Header())

	detail := []byte(`{
		"title": "One",
		"label": {"name": "Fønix"},
		"score": 97.5,
		"unused": true
	}`)
	row, err := api.Row(ref("r1"), detail)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "One", "Fønix", "97.5"}, row)
}

func TestAPIRowMissingPathsEmpty(t *testing.T) {
	api := newTestAPI(t, &stubFetcher{})
	row, err := api.Row(ref("r1"), []byte(`{"title": "only"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "only", "", ""}, row)
}

func TestAPIRowInvalidJSON(t *testing.T) {
	api := newTestAPI(t, &stubFetcher{})
	_, err := api.Row(ref("r1"), []byte(`<html>`))
	require.Error(t, err)
}
