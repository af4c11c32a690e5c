// Package app wires configuration into the running service: fetch client,
// source adapters, checkpoint stores, sinks, scheduler, and status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quarryd/quarry/internal/api"
	"github.com/quarryd/quarry/internal/checkpoint"
	"github.com/quarryd/quarry/internal/config"
	"github.com/quarryd/quarry/internal/controller"
	"github.com/quarryd/quarry/internal/fetch"
	"github.com/quarryd/quarry/internal/history"
	"github.com/quarryd/quarry/internal/pipeline"
	"github.com/quarryd/quarry/internal/render"
	"github.com/quarryd/quarry/internal/schedule"
	"github.com/quarryd/quarry/internal/sink"
	"github.com/quarryd/quarry/internal/sources"
)

// App holds the assembled service.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	fetcher   *fetch.Client
	renderer  *render.Browser
	history   *history.Store
	scheduler *schedule.Scheduler
	server    *api.Server

	runners map[string]*controller.Runner
	closers []func() error
}

// New assembles the service from configuration. Every configured job gets
// its own checkpoint store, sinks, and controller; they share one fetch
// client so politeness spacing holds across jobs hitting the same host.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		runners: make(map[string]*controller.Runner),
	}

	a.fetcher = fetch.New(fetch.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       cfg.FetchTimeout(),
		MaxAttempts:   cfg.Fetch.MaxAttempts,
		BackoffBase:   cfg.BackoffInitial(),
		BackoffMax:    cfg.BackoffMax(),
		Politeness:    cfg.Politeness(),
		RespectRobots: cfg.Fetch.RespectRobots,
	}, logger.Named("fetch"))

	if cfg.Headless.Enabled {
		browser, err := render.New(render.Config{
			MaxParallel:    cfg.Headless.MaxParallel,
			UserAgent:      cfg.Fetch.UserAgent,
			DefaultTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init renderer: %w", err)
		}
		a.renderer = browser
		a.closers = append(a.closers, func() error {
			browser.Close()
			return nil
		})
	}

	a.history = history.New(
		history.WithLimit(cfg.History.Limit),
		history.WithAlerting(cfg.History.FailureStreak, logNotifier{logger.Named("alerts")}),
		history.WithLogger(logger.Named("history")),
	)
	a.scheduler = schedule.New(
		a.history,
		logger.Named("schedule"),
		schedule.WithSnapshotPath(cfg.Output.SnapshotPath),
	)

	// Deterministic registration order keeps startup logs stable.
	names := make([]string, 0, len(cfg.Jobs))
	for name := range cfg.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.addJob(ctx, name, cfg.Jobs[name]); err != nil {
			a.close()
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
	}

	a.server = api.NewServer(a.history, a.scheduler, logger.Named("api"))
	return a, nil
}

func (a *App) addJob(ctx context.Context, name string, jc config.JobConfig) error {
	source, err := a.buildSource(jc)
	if err != nil {
		return err
	}

	ckpt, err := a.openCheckpoint(ctx, name)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, ckpt.Close)

	jobDir := filepath.Join(a.cfg.Output.Dir, name)
	docs, err := sink.NewDocuments(filepath.Join(jobDir, "items"))
	if err != nil {
		return err
	}
	diag := sink.NewDiagnostics(filepath.Join(jobDir, "diagnostics"))

	var rows pipeline.RowSink
	if mapper, ok := source.(pipeline.RowMapper); ok && len(jc.Columns) > 0 {
		csvSink, err := sink.OpenCSV(filepath.Join(jobDir, name+".csv"), mapper.Header())
		if err != nil {
			return err
		}
		rows = csvSink
		a.closers = append(a.closers, csvSink.Close)
	}

	runner := controller.New(source, ckpt, docs, rows, diag, controller.Config{
		MaxPages: jc.MaxPages,
		MaxItems: jc.MaxItems,
	}, a.logger.Named(name))
	a.runners[name] = runner

	return a.scheduler.Register(schedule.Job{
		ID:      name,
		Spec:    jc.Cron,
		Enabled: jc.Enabled,
		Run: func(ctx context.Context) error {
			report, err := runner.Run(ctx)
			a.logger.Info("run report",
				zap.String("job", name),
				zap.Int("searched", report.Searched),
				zap.Int("looked_up", report.LookedUp),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed),
			)
			return err
		},
	})
}

func (a *App) buildSource(jc config.JobConfig) (pipeline.Source, error) {
	switch jc.Type {
	case "api":
		return sources.NewAPI(sources.APIConfig{
			BaseURL:     jc.BaseURL,
			SearchPath:  jc.SearchPath,
			LookupPath:  jc.LookupPath,
			Query:       toValues(jc.Query),
			LookupQuery: toValues(jc.LookupQuery),
			PageSize:    jc.PageSize,
			ItemsField:  jc.ItemsField,
			TotalField:  jc.TotalField,
			IDField:     jc.IDField,
			Columns:     jc.Columns,
		}, a.fetcher)
	case "appstate":
		var renderer pipeline.Renderer
		if a.renderer != nil {
			renderer = a.renderer
		}
		return sources.NewAppState(sources.AppStateConfig{
			BaseURL:       jc.BaseURL,
			SearchPath:    jc.SearchPath,
			LookupPath:    jc.LookupPath,
			Marker:        jc.Marker,
			ItemsPath:     jc.ItemsPath,
			IDField:       jc.IDField,
			WaitSelector:  jc.WaitSelector,
			RenderTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		}, a.fetcher, renderer)
	default:
		return nil, fmt.Errorf("unknown source type %q", jc.Type)
	}
}

func (a *App) openCheckpoint(ctx context.Context, name string) (checkpoint.Store, error) {
	switch a.cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemory(), nil
	case "postgres":
		return checkpoint.NewPostgres(ctx, checkpoint.PostgresConfig{
			DSN:      a.cfg.Checkpoint.DSN,
			JobID:    name,
			MaxConns: int32(a.cfg.Checkpoint.MaxConns),
		})
	default:
		path := filepath.Join(a.cfg.Checkpoint.Dir, name+".journal")
		return checkpoint.OpenFile(path, a.logger.Named("checkpoint"))
	}
}

// RunJob executes one job body immediately and synchronously, outside the
// scheduler. The caller owns the exit status.
func (a *App) RunJob(ctx context.Context, name string) (pipeline.Report, error) {
	runner, ok := a.runners[name]
	if !ok {
		return pipeline.Report{}, fmt.Errorf("%w: %s", schedule.ErrUnknownJob, name)
	}
	return runner.Run(ctx)
}

// Jobs lists the configured job names in sorted order.
func (a *App) Jobs() []string {
	names := make([]string, 0, len(a.runners))
	for name := range a.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve starts the scheduler and the HTTP status server and blocks until
// the context is canceled or a signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start()
	defer a.scheduler.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close releases every resource the app opened, in reverse open order.
func (a *App) Close() {
	a.close()
	a.logger.Info("shutdown complete")
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func toValues(m map[string]string) url.Values {
	if len(m) == 0 {
		return nil
	}
	values := url.Values{}
	for k, v := range m {
		values.Set(k, v)
	}
	return values
}

// logNotifier surfaces streak alerts through the service log. Delivery to
// external channels can hang off the same interface.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Notify(jobID string, streak int, lastError string) {
	n.logger.Error("job failure streak crossed threshold",
		zap.String("job", jobID),
		zap.Int("streak", streak),
		zap.String("last_error", lastError),
	)
}
