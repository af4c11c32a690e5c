package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarryd/quarry/internal/history"
)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *history.Store) {
	t.Helper()
	hist := history.New()
	sched := New(hist, nil, append([]Option{WithSeconds()}, opts...)...)
	return sched, hist
}

func TestRegisterRejectsInvalidCron(t *testing.T) {
	sched, _ := newTestScheduler(t)
	err := sched.Register(Job{
		ID:      "bad",
		Spec:    "not a cron line",
		Enabled: true,
		Run:     func(context.Context) error { return nil },
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid cron expression")
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	sched, _ := newTestScheduler(t)
	job := Job{ID: "dup", Spec: "@hourly", Enabled: true, Run: func(context.Context) error { return nil }}
	require.NoError(t, sched.Register(job))
	require.ErrorContains(t, sched.Register(job), "already registered")
}

func TestRunNowRecordsOutcomes(t *testing.T) {
	sched, hist := newTestScheduler(t)
	require.NoError(t, sched.Register(Job{
		ID:   "flaky",
		Spec: "@hourly",
		Run: func(context.Context) error {
			return errors.New("upstream down")
		},
	}))

	require.NoError(t, sched.RunNow("flaky"))
	records := hist.Records("flaky")
	require.Len(t, records, 1)
	require.Equal(t, history.OutcomeFailed, records[0].Outcome)
	require.Equal(t, "upstream down", records[0].Error)
}

func TestRunNowUnknownJob(t *testing.T) {
	sched, _ := newTestScheduler(t)
	require.ErrorIs(t, sched.RunNow("ghost"), ErrUnknownJob)
}

func TestOverlapSkippedNeverConcurrent(t *testing.T) {
	sched, hist := newTestScheduler(t)

	running := make(chan struct{})
	release := make(chan struct{})
	var concurrent atomic.Int32
	var peak atomic.Int32
	require.NoError(t, sched.Register(Job{
		ID:   "slow",
		Spec: "@hourly",
		Run: func(context.Context) error {
			n := concurrent.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			defer concurrent.Add(-1)
			close(running)
			<-release
			return nil
		},
	}))

	firstDone := make(chan error, 1)
	go func() { firstDone <- sched.RunNow("slow") }()
	<-running

	// Second trigger while the first instance holds the slot.
	require.ErrorIs(t, sched.RunNow("slow"), ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-firstDone)

	records := hist.Records("slow")
	require.Len(t, records, 2)
	require.Equal(t, history.OutcomeSkippedOverlap, records[0].Outcome)
	require.Equal(t, history.OutcomeSucceeded, records[1].Outcome)
	require.Equal(t, int32(1), peak.Load())
}

func TestSlotFreedAfterRun(t *testing.T) {
	sched, hist := newTestScheduler(t)
	require.NoError(t, sched.Register(Job{
		ID:   "quick",
		Spec: "@hourly",
		Run:  func(context.Context) error { return nil },
	}))

	require.NoError(t, sched.RunNow("quick"))
	require.NoError(t, sched.RunNow("quick"))
	require.Len(t, hist.Records("quick"), 2)
}

func TestPanicBecomesFailedRecord(t *testing.T) {
	sched, hist := newTestScheduler(t)
	require.NoError(t, sched.Register(Job{
		ID:   "panicky",
		Spec: "@hourly",
		Run:  func(context.Context) error { panic("nil map write") },
	}))

	require.NoError(t, sched.RunNow("panicky"))
	records := hist.Records("panicky")
	require.Len(t, records, 1)
	require.Equal(t, history.OutcomeFailed, records[0].Outcome)
	require.Contains(t, records[0].Error, "panicked")

	// The scheduler survives and the slot is free.
	require.NoError(t, sched.RunNow("panicky"))
}

func TestDisabledJobNotScheduledButTriggerable(t *testing.T) {
	sched, hist := newTestScheduler(t)
	var runs atomic.Int32
	require.NoError(t, sched.Register(Job{
		ID:      "paused",
		Spec:    "* * * * * *",
		Enabled: false,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	sched.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.Stop()
	require.Equal(t, int32(0), runs.Load())

	require.NoError(t, sched.RunNow("paused"))
	require.Len(t, hist.Records("paused"), 1)
}

func TestCronLoopFiresEnabledJob(t *testing.T) {
	sched, hist := newTestScheduler(t)
	var runs atomic.Int32
	require.NoError(t, sched.Register(Job{
		ID:      "ticker",
		Spec:    "* * * * * *",
		Enabled: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	sched.Start()
	time.Sleep(2500 * time.Millisecond)
	sched.Stop()

	require.GreaterOrEqual(t, runs.Load(), int32(1))
	require.NotEmpty(t, hist.Records("ticker"))
}

func TestStopCancelsJobContext(t *testing.T) {
	sched, _ := newTestScheduler(t)
	started := make(chan struct{})
	canceled := make(chan struct{})
	require.NoError(t, sched.Register(Job{
		ID:   "longhaul",
		Spec: "@hourly",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
	}))

	go func() { _ = sched.RunNow("longhaul") }()
	<-started
	sched.Start()
	sched.Stop()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not canceled on shutdown")
	}
}

func TestStopCancelsCronFiredJob(t *testing.T) {
	sched, _ := newTestScheduler(t)
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, sched.Register(Job{
		ID:      "blocked",
		Spec:    "* * * * * *",
		Enabled: true,
		Run: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	sched.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("cron never fired the job")
	}

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not cancel the cron-fired job")
	}
}

func TestSnapshotWrittenAfterRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	sched, _ := newTestScheduler(t, WithSnapshotPath(path))
	require.NoError(t, sched.Register(Job{
		ID:   "snap",
		Spec: "@hourly",
		Run:  func(context.Context) error { return nil },
	}))

	require.NoError(t, sched.RunNow("snap"))
	require.FileExists(t, path)
}
