// Package schedule runs registered jobs on cron expressions, guaranteeing at
// most one running instance per job. Triggers that land while a job is still
// running are recorded and dropped, never queued.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quarryd/quarry/internal/clock"
	"github.com/quarryd/quarry/internal/history"
	"github.com/quarryd/quarry/internal/pipeline"
)

// ErrAlreadyRunning reports that a manual trigger was dropped because the
// job has a running instance.
var ErrAlreadyRunning = errors.New("job instance already running")

// ErrUnknownJob reports a trigger for an id that was never registered.
var ErrUnknownJob = errors.New("unknown job")

const (
	stateIdle int32 = iota
	stateRunning
)

// Job is an immutable job definition. Run receives a context canceled when
// the scheduler shuts down and must return only after its work is safe to
// abandon.
type Job struct {
	ID      string
	Spec    string
	Enabled bool
	Run     func(ctx context.Context) error
}

type registeredJob struct {
	def   Job
	state atomic.Int32
}

// Scheduler triggers jobs from a single cron loop. Construct with New,
// Register every job, then Start. Safe for concurrent RunNow calls.
type Scheduler struct {
	cron         *cron.Cron
	parser       cron.Parser
	history      *history.Store
	snapshotPath string
	clock        pipeline.Clock
	logger       *zap.Logger

	mu   sync.Mutex
	jobs map[string]*registeredJob

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSnapshotPath makes the scheduler rewrite a JSON aggregate snapshot
// after every execution record.
func WithSnapshotPath(path string) Option {
	return func(s *Scheduler) { s.snapshotPath = path }
}

// WithSeconds accepts six-field cron expressions with a leading seconds
// column. Intended for tight schedules and tests.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.parser = cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)
	}
}

// WithClock overrides the wall clock used to timestamp records.
func WithClock(c pipeline.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a stopped scheduler recording into hist.
func New(hist *history.Store, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		history: hist,
		clock:   clock.NewSystem(),
		logger:  logger,
		jobs:    make(map[string]*registeredJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithParser(s.parser))
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	return s
}

// Register validates and adds a job. An invalid cron expression or a
// duplicate id is a configuration error and should abort startup. Disabled
// jobs are kept triggerable via RunNow but get no cron entry.
func (s *Scheduler) Register(def Job) error {
	if def.ID == "" {
		return errors.New("job id is required")
	}
	if def.Run == nil {
		return fmt.Errorf("job %s: run body is required", def.ID)
	}
	if _, err := s.parser.Parse(def.Spec); err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %w", def.ID, def.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[def.ID]; exists {
		return fmt.Errorf("job %s: already registered", def.ID)
	}
	job := &registeredJob{def: def}
	s.jobs[def.ID] = job

	if !def.Enabled {
		s.logger.Info("job registered disabled", zap.String("job", def.ID))
		return nil
	}
	if _, err := s.cron.AddFunc(def.Spec, func() { s.fire(job) }); err != nil {
		delete(s.jobs, def.ID)
		return fmt.Errorf("job %s: %w", def.ID, err)
	}
	s.logger.Info("job registered",
		zap.String("job", def.ID),
		zap.String("spec", def.Spec),
	)
	return nil
}

// Start begins triggering. The cron loop sleeps until the earliest next
// trigger across all entries.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	s.cron.Start()
}

// Stop halts triggering, cancels running job contexts, and waits for
// in-flight instances to drain.
func (s *Scheduler) Stop() {
	// Cancel before draining: cron's stop context completes only after
	// cron-launched jobs return, and a blocked job needs the cancellation
	// to return at all.
	stopCtx := s.cron.Stop()
	s.cancelRun()
	<-stopCtx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow triggers a job out of band. It runs synchronously and returns
// ErrAlreadyRunning when an instance holds the job's slot.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !s.fire(job) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	return nil
}

// fire runs one instance of job if its slot is free. It reports whether the
// instance ran. The idle→running transition is a compare-and-swap so a cron
// trigger and a manual trigger cannot race into two instances.
func (s *Scheduler) fire(job *registeredJob) bool {
	start := s.clock.Now()
	if !job.state.CompareAndSwap(stateIdle, stateRunning) {
		s.logger.Warn("trigger overlaps running instance, skipping",
			zap.String("job", job.def.ID),
		)
		s.record(history.Record{
			JobID:   job.def.ID,
			Started: start,
			Ended:   start,
			Outcome: history.OutcomeSkippedOverlap,
		})
		return false
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer job.state.Store(stateIdle)

	s.logger.Info("job started", zap.String("job", job.def.ID))
	err := s.runBody(job)
	rec := history.Record{
		JobID:   job.def.ID,
		Started: start,
		Ended:   s.clock.Now(),
		Outcome: history.OutcomeSucceeded,
	}
	if err != nil {
		rec.Outcome = history.OutcomeFailed
		rec.Error = err.Error()
		s.logger.Error("job failed",
			zap.String("job", job.def.ID),
			zap.Duration("elapsed", rec.Ended.Sub(rec.Started)),
			zap.Error(err),
		)
	} else {
		s.logger.Info("job succeeded",
			zap.String("job", job.def.ID),
			zap.Duration("elapsed", rec.Ended.Sub(rec.Started)),
		)
	}
	s.record(rec)
	return true
}

// runBody executes the job body, converting a panic into an error so one
// job's crash cannot take down the trigger loop.
func (s *Scheduler) runBody(job *registeredJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.def.ID, r)
		}
	}()
	return job.def.Run(s.runCtx)
}

func (s *Scheduler) record(rec history.Record) {
	s.history.Append(rec)
	if s.snapshotPath == "" {
		return
	}
	if err := s.history.WriteSnapshot(s.snapshotPath); err != nil {
		s.logger.Error("write snapshot failed",
			zap.String("path", s.snapshotPath),
			zap.Error(err),
		)
	}
}
