package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarryd/quarry/internal/checkpoint"
	"github.com/quarryd/quarry/internal/pipeline"
)

type fakeSource struct {
	pages      [][]pipeline.ItemRef
	searchErr  error
	lookupErr  map[string]error
	lookups    []string
	withMapper bool
	rowErr     map[string]error
}

func (s *fakeSource) Search(_ context.Context, page int) (pipeline.SearchResult, error) {
	if s.searchErr != nil {
		return pipeline.SearchResult{}, s.searchErr
	}
	if page >= len(s.pages) {
		return pipeline.SearchResult{}, nil
	}
	return pipeline.SearchResult{
		Refs:    s.pages[page],
		HasMore: page < len(s.pages)-1,
	}, nil
}

func (s *fakeSource) Lookup(_ context.Context, ref pipeline.ItemRef) (pipeline.RawResponse, error) {
	s.lookups = append(s.lookups, ref.ID)
	if err := s.lookupErr[ref.ID]; err != nil {
		return pipeline.RawResponse{}, err
	}
	return pipeline.RawResponse{Body: []byte(`{"id":"` + ref.ID + `"}`)}, nil
}

type mapperSource struct {
	*fakeSource
}

func (s *mapperSource) Header() []string { return []string{"id"} }

func (s *mapperSource) Row(ref pipeline.ItemRef, _ []byte) ([]string, error) {
	if err := s.rowErr[ref.ID]; err != nil {
		return nil, err
	}
	return []string{ref.ID}, nil
}

type fakeDocs struct {
	stored map[string][]byte
	failOn string
}

func (d *fakeDocs) Put(_ context.Context, id string, data []byte) (string, error) {
	if id == d.failOn {
		return "", errors.New("disk full")
	}
	if d.stored == nil {
		d.stored = make(map[string][]byte)
	}
	d.stored[id] = data
	return "mem://" + id, nil
}

type fakeRows struct {
	rows [][]string
}

func (r *fakeRows) Append(row []string) error {
	r.rows = append(r.rows, row)
	return nil
}

type fakeDiag struct {
	saved map[string][]byte
}

func (d *fakeDiag) Save(label string, data []byte) (string, error) {
	if d.saved == nil {
		d.saved = make(map[string][]byte)
	}
	d.saved[label] = data
	return "/tmp/" + label + ".html", nil
}

func pagesOf(pageCount, perPage int) [][]pipeline.ItemRef {
	pages := make([][]pipeline.ItemRef, pageCount)
	for p := range pages {
		for i := 0; i < perPage; i++ {
			pages[p] = append(pages[p], pipeline.ItemRef{ID: fmt.Sprintf("item-%d-%d", p, i)})
		}
	}
	return pages
}

func TestRunFullThenSkipsOnSecondRun(t *testing.T) {
	src := &fakeSource{pages: pagesOf(3, 10)}
	ckpt := checkpoint.NewMemory()
	docs := &fakeDocs{}
	runner := New(src, ckpt, docs, nil, nil, Config{MaxPages: 10}, zap.NewNop())

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30, report.Searched)
	require.Equal(t, 30, report.LookedUp)
	require.Equal(t, 0, report.Skipped)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, 30, ckpt.DoneCount())
	require.Len(t, docs.stored, 30)

	// Verified from the start next time around.
	require.Equal(t, 0, ckpt.Cursor().Page)
	require.True(t, ckpt.Cursor().Exhausted)

	src.lookups = nil
	report, err = runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30, report.Searched)
	require.Equal(t, 0, report.LookedUp)
	require.Equal(t, 30, report.Skipped)
	require.Empty(t, src.lookups)
}

func TestRunLookupOrderFollowsDiscovery(t *testing.T) {
	src := &fakeSource{pages: pagesOf(2, 3)}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, nil, Config{MaxPages: 5}, nil)

	_, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		"item-0-0", "item-0-1", "item-0-2",
		"item-1-0", "item-1-1", "item-1-2",
	}, src.lookups)
}

func TestRunItemFailureContinues(t *testing.T) {
	src := &fakeSource{
		pages:     pagesOf(1, 5),
		lookupErr: map[string]error{"item-0-2": errors.New("boom")},
	}
	ckpt := checkpoint.NewMemory()
	runner := New(src, ckpt, &fakeDocs{}, nil, nil, Config{MaxPages: 2}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.LookedUp)
	require.Equal(t, 1, report.Failed)
	require.False(t, ckpt.IsDone("item-0-2"))
	require.True(t, ckpt.IsDone("item-0-4"))
}

func TestRunPersistenceFailureAborts(t *testing.T) {
	src := &fakeSource{pages: pagesOf(1, 5)}
	ckpt := checkpoint.NewMemory()
	runner := New(src, ckpt, &fakeDocs{failOn: "item-0-1"}, nil, nil, Config{MaxPages: 2}, nil)

	report, err := runner.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist item item-0-1")
	require.Equal(t, 1, report.LookedUp)
	require.False(t, ckpt.IsDone("item-0-1"))
}

func TestRunExtractionErrorSavesDiagnostic(t *testing.T) {
	raw := []byte("<html>not json</html>")
	src := &fakeSource{
		pages: pagesOf(1, 2),
		lookupErr: map[string]error{
			"item-0-0": &pipeline.ExtractionError{Err: errors.New("marker not found"), Raw: raw},
		},
	}
	diag := &fakeDiag{}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, diag, Config{MaxPages: 2}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, raw, diag.saved["item-0-0"])
}

func TestRunSearchExtractionErrorSavesDiagnostic(t *testing.T) {
	raw := []byte("<html>listing without app state</html>")
	src := &fakeSource{
		searchErr: &pipeline.ExtractionError{Err: errors.New("marker not found"), Raw: raw},
	}
	diag := &fakeDiag{}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, diag, Config{MaxPages: 2}, nil)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, raw, diag.saved["page-0"])
}

func TestRunRowMapperAppendsRows(t *testing.T) {
	src := &mapperSource{fakeSource: &fakeSource{pages: pagesOf(1, 3), withMapper: true}}
	rows := &fakeRows{}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, rows, nil, Config{MaxPages: 2}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.LookedUp)
	require.Equal(t, [][]string{{"item-0-0"}, {"item-0-1"}, {"item-0-2"}}, rows.rows)
}

func TestRunRowFailureLeavesItemOutstanding(t *testing.T) {
	src := &mapperSource{fakeSource: &fakeSource{
		pages:  pagesOf(1, 2),
		rowErr: map[string]error{"item-0-1": errors.New("missing field")},
	}}
	ckpt := checkpoint.NewMemory()
	runner := New(src, ckpt, &fakeDocs{}, &fakeRows{}, nil, Config{MaxPages: 2}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.LookedUp)
	require.Equal(t, 1, report.Failed)
	require.False(t, ckpt.IsDone("item-0-1"))
}

func TestRunResumesFromCursor(t *testing.T) {
	src := &fakeSource{pages: pagesOf(3, 2)}
	ckpt := checkpoint.NewMemory()
	require.NoError(t, ckpt.SetCursor(context.Background(), checkpoint.Cursor{Page: 2}))
	runner := New(src, ckpt, &fakeDocs{}, nil, nil, Config{MaxPages: 5}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Searched)
	require.Equal(t, []string{"item-2-0", "item-2-1"}, src.lookups)
}

func TestRunMaxItemsStopsEarly(t *testing.T) {
	src := &fakeSource{pages: pagesOf(2, 10)}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, nil, Config{MaxPages: 5, MaxItems: 7}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, report.LookedUp)
}

func TestRunDeduplicatesWithinRun(t *testing.T) {
	dup := pipeline.ItemRef{ID: "same"}
	src := &fakeSource{pages: [][]pipeline.ItemRef{{dup, dup}, {dup}}}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, nil, Config{MaxPages: 5}, nil)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Searched)
	require.Equal(t, 1, report.LookedUp)
	require.Equal(t, []string{"same"}, src.lookups)
}

func TestRunCanceledContext(t *testing.T) {
	src := &fakeSource{pages: pagesOf(1, 3)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, nil, Config{MaxPages: 2}, nil)

	_, err := runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunSearchFailureAborts(t *testing.T) {
	src := &fakeSource{searchErr: errors.New("upstream down")}
	runner := New(src, checkpoint.NewMemory(), &fakeDocs{}, nil, nil, Config{MaxPages: 2}, nil)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "search page 0")
}
