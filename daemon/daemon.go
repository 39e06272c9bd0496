// Package daemon assembles the long-running service: storage, feed refresher,
// AI pipeline, scheduler, IPC server and metrics, run under a supervisor tree.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"feedwise/config"
	"feedwise/feed"
	"feedwise/ipc"
	"feedwise/metrics"
	"feedwise/pipeline"
	"feedwise/profile"
	"feedwise/provider"
	"feedwise/scheduler"
	"feedwise/storage"
)

// Task names.
const (
	TaskRefresh   = "refresh"
	TaskCleanup   = "cleanup"
	TaskSummarize = "summarize"
	TaskFilter    = "filter"
)

// Daemon owns every long-lived component.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time

	db            *storage.DB
	refresher     *feed.Refresher
	runner        *pipeline.Runner
	scheduler     *scheduler.Scheduler
	server        *ipc.Server
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	markerPath string
	backend    provider.Backend
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithMarkerPath sets where the last used data directory is recorded.
func WithMarkerPath(path string) Option {
	return func(d *Daemon) {
		d.markerPath = path
	}
}

// WithBackend overrides the AI backend selected by configuration.
func WithBackend(b provider.Backend) Option {
	return func(d *Daemon) {
		d.backend = b
	}
}

// DefaultMarkerPath places the data directory marker next to the config file.
func DefaultMarkerPath() string {
	return filepath.Join(filepath.Dir(config.GetConfigPath()), "last_data_dir")
}

// New validates the environment and builds every component. Systemic failures
// (data directory conflict, a live daemon, an unopenable store, an unbindable socket) are returned.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Daemon, err error) {
	d := &Daemon{
		cfg:        cfg,
		logger:     slog.Default(),
		started:    time.Now(),
		markerPath: DefaultMarkerPath(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := config.CheckDataDir(config.LastDataDir(d.markerPath), cfg.General.DataDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := acquirePIDFile(cfg.General.PIDFile); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.db, err = storage.Open(ctx, cfg.DatabasePath(), storage.WithLogger(d.logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := config.RecordDataDir(d.markerPath, cfg.General.DataDir); err != nil {
		d.logger.Warn("failed to record data dir", "error", err)
	}
	d.logger.Info("store opened", "path", cfg.DatabasePath())

	d.metrics = metrics.New()
	d.buildRefresher()
	if err := d.buildPipeline(ctx); err != nil {
		return nil, err
	}
	if err := d.buildScheduler(); err != nil {
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		d.metricsServer, err = metrics.NewServer(cfg.Metrics.Listen, d.metrics, d.logger)
		if err != nil {
			return nil, err
		}
	}

	d.server = ipc.NewServer(cfg.IPC.SocketPath,
		ipc.WithMaxConcurrent(cfg.IPC.MaxConcurrent),
		ipc.WithDrainTimeout(cfg.Sync.DrainTimeout),
		ipc.WithLogger(d.logger),
		ipc.WithObserver(d.metrics.ObserveRequest),
	)
	tracker := profile.NewTracker(d.db, d.logger)
	ipc.NewAPI(d.db, d.refresher, d.scheduler, tracker, d.logger, d.started,
		ipc.WithFeedRefreshInterval(cfg.Sync.FeedRefreshInterval),
	).Register(d.server)
	if err := d.server.Listen(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) buildRefresher() {
	sc := d.cfg.Sync
	fetcher := feed.NewFetcher(
		feed.WithTimeout(sc.RequestTimeout),
		feed.WithRate(sc.FetchRate),
		feed.WithRSSHubBase(sc.RSSHubBase),
		feed.WithLogger(d.logger),
	)
	opts := []feed.RefresherOption{feed.WithRefresherLogger(d.logger)}
	if sc.FetchFullContent {
		opts = append(opts, feed.WithExtractor(feed.NewExtractor(fetcher), d.cfg.AI.MinSummarizeLength))
	}
	d.refresher = feed.NewRefresher(d.db, fetcher, opts...)
}

func (d *Daemon) buildPipeline(ctx context.Context) error {
	if !d.cfg.AIEnabled() {
		d.logger.Info("ai pipeline disabled")
		return nil
	}

	ai := d.cfg.AI
	backend := d.backend
	if backend == nil {
		var err error
		backend, err = provider.NewBackend(ctx, ai)
		if err != nil {
			return fmt.Errorf("create ai backend: %w", err)
		}
	}

	gateway := provider.NewGateway(backend,
		provider.WithConcurrency(ai.Concurrency),
		provider.WithLanguage(ai.Language),
		provider.WithMaxSummaryLength(ai.MaxSummaryLength),
		provider.WithLogger(d.logger),
		provider.WithObserver(d.metrics.ObserveProvider),
	)
	d.runner = pipeline.NewRunner(d.db, gateway, profile.NewAnalyzer(d.db),
		pipeline.WithMinSummarizeLength(ai.MinSummarizeLength),
		pipeline.WithBatchCharLimit(ai.BatchCharLimit),
		pipeline.WithRelevanceThreshold(ai.RelevanceThreshold),
		pipeline.WithLogger(d.logger),
	)
	d.logger.Info("ai pipeline enabled", "backend", gateway.Name(), "concurrency", gateway.Concurrency())
	return nil
}

func (d *Daemon) buildScheduler() error {
	sc := d.cfg.Sync
	d.scheduler = scheduler.New(
		scheduler.WithTickInterval(sc.TickInterval),
		scheduler.WithDrainTimeout(sc.DrainTimeout),
		scheduler.WithLogger(d.logger),
	)
	d.scheduler.OnEvent(d.metrics.ObserveTask)
	d.metrics.WatchScheduler(d.scheduler.Snapshot)

	summarizeEvery, filterEvery := sc.SummarizeInterval, sc.FilterInterval
	if d.runner == nil {
		summarizeEvery, filterEvery = 0, 0
	}

	tasks := []struct {
		name     string
		interval time.Duration
		fn       scheduler.TaskFunc
	}{
		{TaskRefresh, sc.RefreshInterval, d.refreshTask},
		{TaskCleanup, sc.CleanupInterval, d.cleanupTask},
		{TaskSummarize, summarizeEvery, d.summarizeTask},
		{TaskFilter, filterEvery, d.filterTask},
	}
	for _, t := range tasks {
		if err := d.scheduler.Register(t.name, t.interval, t.fn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) refreshTask(ctx context.Context) (map[string]int, error) {
	n, err := d.refresher.RefreshDue(ctx, d.cfg.Sync.FeedRefreshInterval)
	return map[string]int{"new_articles": n}, err
}

func (d *Daemon) cleanupTask(ctx context.Context) (map[string]int, error) {
	cutoff := time.Now().Add(-d.cfg.Retention())
	deleted, err := d.db.DeleteArticlesOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	events, err := d.db.DeleteEventsOlderThan(ctx, cutoff)
	if err != nil {
		return map[string]int{"deleted": deleted}, err
	}
	if deleted > 0 || events > 0 {
		d.logger.Info("cleanup complete", "deleted", deleted, "events_deleted", events)
	}
	return map[string]int{"deleted": deleted, "events_deleted": events}, nil
}

func (d *Daemon) summarizeTask(ctx context.Context) (map[string]int, error) {
	n, err := d.runner.Summarize(ctx)
	return map[string]int{"summarized": n}, err
}

func (d *Daemon) filterTask(ctx context.Context) (map[string]int, error) {
	out, err := d.runner.RunFilterCycle(ctx)
	return map[string]int{
		"scored":     out.Scored,
		"filtered":   out.Filtered,
		"classified": out.Classified,
	}, err
}

// Scheduler exposes the scheduler for status queries.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Run serves until ctx is cancelled, then shuts every service down and releases resources.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	shutdownTimeout := d.cfg.Sync.DrainTimeout + 5*time.Second
	root := suture.New("feedwise", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: d.logger}).MustHook(),
		Timeout:   shutdownTimeout,
	})
	root.Add(d.scheduler)
	root.Add(d.server)
	if d.metricsServer != nil {
		root.Add(d.metricsServer)
	}

	d.logger.Info("daemon started", "socket", d.server.SocketPath(), "pid", os.Getpid())
	err := root.Serve(ctx)
	if unstopped, rerr := root.UnstoppedServiceReport(); rerr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			d.logger.Warn("service failed to stop", "service", svc.Name)
		}
	}
	d.logger.Info("daemon stopped", "uptime", time.Since(d.started).Round(time.Second))

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Close releases the socket, the store and the PID file. Safe to call more than once.
func (d *Daemon) Close() {
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			d.logger.Warn("failed to close ipc server", "error", err)
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("failed to close store", "error", err)
		}
		d.db = nil
	}
	releasePIDFile(d.cfg.General.PIDFile)
}
