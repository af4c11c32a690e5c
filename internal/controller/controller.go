// Package controller drives the two-stage search → lookup protocol over a
// source adapter, using the checkpoint store to pull only outstanding items.
package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quarryd/quarry/internal/checkpoint"
	"github.com/quarryd/quarry/internal/pipeline"
)

// DiagnosticSink persists raw offending documents for offline diagnosis.
type DiagnosticSink interface {
	Save(label string, data []byte) (string, error)
}

// Config bounds one controller run.
type Config struct {
	// MaxPages caps how many search pages a single run requests. Zero
	// means run until the source is exhausted.
	MaxPages int
	// MaxItems caps how many item references a single run processes
	// (looked up, skipped, or failed). Zero means unbounded.
	MaxItems int
}

// Runner executes one acquisition run for one job.
type Runner struct {
	source pipeline.Source
	ckpt   checkpoint.Store
	docs   pipeline.DocumentSink
	rows   pipeline.RowSink
	diag   DiagnosticSink
	cfg    Config
	logger *zap.Logger
}

// New constructs a Runner. rows and diag may be nil; rows is only used when
// the source also implements pipeline.RowMapper.
func New(
	source pipeline.Source,
	ckpt checkpoint.Store,
	docs pipeline.DocumentSink,
	rows pipeline.RowSink,
	diag DiagnosticSink,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		source: source,
		ckpt:   ckpt,
		docs:   docs,
		rows:   rows,
		diag:   diag,
		cfg:    cfg,
		logger: logger,
	}
}

// Run searches pages starting at the persisted cursor, resolves every
// not-yet-done item reference in discovery order, and persists each detail
// before marking it done. Item-level failures are counted and skipped over;
// persistence and checkpoint failures abort the run. The cursor advances
// only after a page's items are all durably accounted for, and resets once
// the source is exhausted so the next run re-verifies from the start.
func (r *Runner) Run(ctx context.Context) (pipeline.Report, error) {
	var report pipeline.Report
	seen := make(map[string]struct{})
	mapper, _ := r.source.(pipeline.RowMapper)

	page := r.ckpt.Cursor().Page
	exhausted := false

	for fetched := 0; r.cfg.MaxPages <= 0 || fetched < r.cfg.MaxPages; fetched++ {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("run canceled: %w", err)
		}

		result, err := r.source.Search(ctx, page)
		if err != nil {
			// Keep the offending listing markup for diagnosis; an
			// extraction failure here aborts the whole run.
			r.saveDiagnostic(fmt.Sprintf("page-%d", page), err)
			return report, fmt.Errorf("search page %d: %w", page, err)
		}
		report.Searched += len(result.Refs)
		r.logger.Debug("search page complete",
			zap.Int("page", page),
			zap.Int("refs", len(result.Refs)),
		)

		done, err := r.processRefs(ctx, result.Refs, seen, mapper, &report)
		if err != nil {
			return report, err
		}
		if done {
			// Item budget spent mid-page; the cursor stays put so the
			// next run revisits this page and skips what is done.
			return report, nil
		}

		page++
		if err := r.ckpt.SetCursor(ctx, checkpoint.Cursor{Page: page}); err != nil {
			return report, fmt.Errorf("advance cursor: %w", err)
		}
		if len(result.Refs) == 0 || !result.HasMore {
			exhausted = true
			break
		}
	}

	if exhausted {
		// An exhausted run re-verifies from page zero next time; the
		// done set keeps re-verification cheap.
		if err := r.ckpt.SetCursor(ctx, checkpoint.Cursor{Page: 0, Exhausted: true}); err != nil {
			return report, fmt.Errorf("reset cursor: %w", err)
		}
	}
	return report, nil
}

// processRefs resolves one page of references. It returns true when the
// item budget is spent.
func (r *Runner) processRefs(
	ctx context.Context,
	refs []pipeline.ItemRef,
	seen map[string]struct{},
	mapper pipeline.RowMapper,
	report *pipeline.Report,
) (bool, error) {
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("run canceled: %w", err)
		}
		if r.cfg.MaxItems > 0 && report.LookedUp+report.Skipped+report.Failed >= r.cfg.MaxItems {
			return true, nil
		}
		if ref.ID == "" {
			continue
		}
		if _, dup := seen[ref.ID]; dup {
			continue
		}
		seen[ref.ID] = struct{}{}

		if r.ckpt.IsDone(ref.ID) {
			report.Skipped++
			continue
		}
		if err := r.lookupOne(ctx, ref, mapper, report); err != nil {
			return false, err
		}
	}
	return false, nil
}

// lookupOne fetches, persists, and checkpoints a single item. Only
// persistence-class errors propagate.
func (r *Runner) lookupOne(
	ctx context.Context,
	ref pipeline.ItemRef,
	mapper pipeline.RowMapper,
	report *pipeline.Report,
) error {
	resp, err := r.source.Lookup(ctx, ref)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("run canceled: %w", ctxErr)
		}
		report.Failed++
		r.saveDiagnostic(ref.ID, err)
		r.logger.Warn("lookup failed, continuing",
			zap.String("item", ref.ID),
			zap.Error(err),
		)
		return nil
	}

	if _, err := r.docs.Put(ctx, ref.ID, resp.Body); err != nil {
		return fmt.Errorf("persist item %s: %w", ref.ID, err)
	}

	if mapper != nil && r.rows != nil {
		row, err := mapper.Row(ref, resp.Body)
		if err != nil {
			report.Failed++
			r.logger.Warn("flatten failed, item not marked done",
				zap.String("item", ref.ID),
				zap.Error(err),
			)
			return nil
		}
		if err := r.rows.Append(row); err != nil {
			return fmt.Errorf("append row for %s: %w", ref.ID, err)
		}
	}

	if err := r.ckpt.MarkDone(ctx, ref.ID); err != nil {
		return fmt.Errorf("mark done %s: %w", ref.ID, err)
	}
	report.LookedUp++
	return nil
}

func (r *Runner) saveDiagnostic(label string, err error) {
	if r.diag == nil {
		return
	}
	var exErr *pipeline.ExtractionError
	if !errors.As(err, &exErr) || len(exErr.Raw) == 0 {
		return
	}
	path, saveErr := r.diag.Save(label, exErr.Raw)
	if saveErr != nil {
		r.logger.Error("save diagnostic failed", zap.String("label", label), zap.Error(saveErr))
		return
	}
	r.logger.Info("saved offending document", zap.String("label", label), zap.String("path", path))
}
