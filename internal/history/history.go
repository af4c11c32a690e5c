// Package history keeps a bounded per-job record of executions and fires
// alerts when a job's consecutive failures cross a threshold.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarryd/quarry/internal/metrics"
)

// Outcome is the terminal state of one job execution.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedOverlap Outcome = "skipped_overlap"
)

// Record is one sealed job execution.
type Record struct {
	JobID   string    `json:"job_id"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Outcome Outcome   `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// Aggregate summarizes one job's recorded executions. Skipped-overlap
// records count as runs but affect neither successes nor the streak.
type Aggregate struct {
	JobID         string    `json:"job_id"`
	Runs          int       `json:"runs"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	Skipped       int       `json:"skipped"`
	SuccessRate   float64   `json:"success_rate"`
	FailureStreak int       `json:"failure_streak"`
	LastRun       time.Time `json:"last_run,omitempty"`
}

// Notifier receives streak alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(jobID string, streak int, lastError string)
}

// Store holds bounded execution histories for many jobs. Safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	limit     int
	threshold int
	notifier  Notifier
	jobs      map[string]*jobHistory
	logger    *zap.Logger
}

type jobHistory struct {
	records []Record
	agg     Aggregate
	alerted bool
}

// Option configures a Store.
type Option func(*Store)

// WithLimit bounds the number of retained records per job.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithAlerting fires notifier when a job's consecutive-failure streak
// reaches threshold. The alert fires once per streak; a success re-arms it.
func WithAlerting(threshold int, notifier Notifier) Option {
	return func(s *Store) {
		s.threshold = threshold
		s.notifier = notifier
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store retaining at most 100 records per job unless
// overridden.
func New(opts ...Option) *Store {
	s := &Store{
		limit:  100,
		jobs:   make(map[string]*jobHistory),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append seals a record into the job's history, evicting the oldest once
// the bound is hit, and updates aggregates and alerting state.
func (s *Store) Append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.jobs[rec.JobID]
	if h == nil {
		h = &jobHistory{agg: Aggregate{JobID: rec.JobID}}
		s.jobs[rec.JobID] = h
	}

	h.records = append(h.records, rec)
	if len(h.records) > s.limit {
		h.records = h.records[len(h.records)-s.limit:]
	}

	h.agg.Runs++
	h.agg.LastRun = rec.Ended
	switch rec.Outcome {
	case OutcomeSucceeded:
		h.agg.Successes++
		h.agg.FailureStreak = 0
		h.alerted = false
	case OutcomeFailed:
		h.agg.Failures++
		h.agg.FailureStreak++
	case OutcomeSkippedOverlap:
		h.agg.Skipped++
	}
	if attempted := h.agg.Successes + h.agg.Failures; attempted > 0 {
		h.agg.SuccessRate = float64(h.agg.Successes) / float64(attempted)
	}
	metrics.JobRuns.WithLabelValues(rec.JobID, string(rec.Outcome)).Inc()

	if s.notifier != nil && !h.alerted && s.threshold > 0 && h.agg.FailureStreak >= s.threshold {
		h.alerted = true
		metrics.AlertsFired.Inc()
		s.logger.Warn("failure streak alert",
			zap.String("job", rec.JobID),
			zap.Int("streak", h.agg.FailureStreak),
		)
		s.notifier.Notify(rec.JobID, h.agg.FailureStreak, rec.Error)
	}
}

// Records returns a copy of the retained records for a job, oldest first.
func (s *Store) Records(jobID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.jobs[jobID]
	if h == nil {
		return nil
	}
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// Aggregate returns the running totals for a job.
func (s *Store) Aggregate(jobID string) Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.jobs[jobID]
	if h == nil {
		return Aggregate{JobID: jobID}
	}
	return h.agg
}

// Snapshot returns aggregates for every known job.
func (s *Store) Snapshot() []Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Aggregate, 0, len(s.jobs))
	for _, h := range s.jobs {
		out = append(out, h.agg)
	}
	return out
}

// snapshotFile is what WriteSnapshot serializes.
type snapshotFile struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Jobs        []Aggregate `json:"jobs"`
}

// WriteSnapshot writes all aggregates as a JSON document, atomically
// replacing any previous snapshot at path.
func (s *Store) WriteSnapshot(path string) error {
	snap := snapshotFile{GeneratedAt: time.Now().UTC(), Jobs: s.Snapshot()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.logger.Debug("snapshot written", zap.String("path", filepath.Clean(path)))
	return nil
}
