// Package app assembles the tracker service from its configuration and
// runs it until shutdown or restart is requested.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/config"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/health"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/observability"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/server"
	"github.com/mohammed-shakir/hotkey-tracker/internal/dispatch"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ingest/kafkaconsumer"
	"github.com/mohammed-shakir/hotkey-tracker/internal/metrics"
	"github.com/mohammed-shakir/hotkey-tracker/internal/publish/redisreport"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
	"github.com/mohammed-shakir/hotkey-tracker/internal/snapshot"
	"github.com/mohammed-shakir/hotkey-tracker/internal/writequeue"
)

// ExitRestart is the process exit code after a restart request, so a
// supervisor can tell it apart from a clean stop.
const ExitRestart = 129

type App struct {
	cfg config.Config
	log *slog.Logger

	provider  *metrics.Provider
	store     *ranking.Store
	queue     *writequeue.Queue
	snap      *snapshot.Manager
	disp      *dispatch.Dispatcher
	consumer  *kafkaconsumer.Consumer
	publisher *redisreport.Publisher
	checks    map[string]health.Check

	quit     chan struct{}
	quitOnce sync.Once
	restart  atomic.Bool
}

// New builds every component. Only the Redis publisher touches the network
// here; it pings once so a bad address fails fast.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, version string) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log, quit: make(chan struct{})}

	a.provider = metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build:   metrics.BuildFromEnv(version),
	})
	observability.Init(a.provider.Registerer(), true)

	a.store = ranking.New(cfg.Ranking.ReportSize, cfg.Ranking.WindowSize, ranking.WithLogger(log))
	observability.TrackStore(a.store)

	a.queue = writequeue.New(log)

	a.snap = snapshot.New(a.store,
		snapshot.WithDir(cfg.Snapshot.Dir),
		snapshot.WithInterval(cfg.Snapshot.Interval),
		snapshot.WithLogger(log),
	)
	a.snap.ConfigureFilenames(cfg.Snapshot.KeyBase, cfg.Snapshot.RankBase, cfg.Snapshot.Ext)

	a.disp = dispatch.New(a.store, a.queue,
		dispatch.WithSnapshotter(a.snap),
		dispatch.WithLifecycle(a.Shutdown, a.Restart),
		dispatch.WithLogger(log),
		dispatch.WithKeyLogSample(cfg.Log.KeySample),
	)

	a.checks = map[string]health.Check{
		"write_queue": func() (bool, any) { return a.queue.Running(), nil },
	}
	if cfg.Kafka.Enabled {
		a.consumer = kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Kafka), log, a.queue)
		a.checks["kafka"] = health.FromReporter(a.consumer)
	}
	if cfg.Redis.Enabled {
		p, err := redisreport.New(ctx, cfg.Redis, a.store, log)
		if err != nil {
			return nil, fmt.Errorf("redis report publisher: %w", err)
		}
		a.publisher = p
	}
	return a, nil
}

// Handler is the HTTP surface served on cfg.Addr.
func (a *App) Handler() http.Handler {
	return server.NewRouter(a.serverOptions())
}

func (a *App) serverOptions() server.Options {
	return server.Options{
		Addr:       a.cfg.Addr,
		Logger:     a.log,
		Dispatcher: a.disp,
		Checks:     a.checks,
		Metrics:    a.provider.Handler(),
	}
}

// Shutdown asks Run to stop. It does not block.
func (a *App) Shutdown() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// Restart asks Run to stop and return ExitRestart.
func (a *App) Restart() {
	a.restart.Store(true)
	a.Shutdown()
}

// Run starts the write queue, the snapshot timer and the network surfaces,
// blocks until ctx is done or Shutdown/Restart is called, then stops
// everything and writes a final snapshot. It returns the process exit code.
func (a *App) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if a.cfg.Snapshot.RestoreOnStart {
		if err := a.snap.Restore(); err != nil {
			a.log.Warn("starting with an empty store", "err", err)
		}
	}
	if err := a.queue.Start(a.store); err != nil {
		return 1, err
	}
	if err := a.snap.Start(); err != nil {
		a.queue.Stop()
		return 1, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.consumer != nil {
		if err := a.consumer.Start(gctx); err != nil {
			a.close()
			return 1, fmt.Errorf("kafka ingest: %w", err)
		}
	}
	g.Go(func() error { return server.Run(gctx, a.serverOptions()) })
	g.Go(func() error { return a.provider.Serve(gctx, a.log) })
	if a.publisher != nil {
		g.Go(func() error { return a.publisher.Run(gctx) })
	}

	a.log.Info("tracker running",
		"addr", a.cfg.Addr,
		"report_size", a.store.ReportSize(),
		"window_size", a.store.WindowSize())

	err := g.Wait()
	a.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return 1, err
	}
	if a.restart.Load() {
		a.log.Info("tracker stopped for restart")
		return ExitRestart, nil
	}
	a.log.Info("tracker stopped")
	return 0, nil
}

// close stops ingest first so the drained queue holds every accepted
// report, then persists the final state.
func (a *App) close() {
	if a.consumer != nil {
		a.consumer.Stop()
	}
	a.snap.Stop()
	a.queue.Stop()
	if err := a.snap.RunBackupCycle(); err != nil {
		a.log.Error("final snapshot failed", "err", err)
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn("closing redis publisher", "err", err)
		}
	}
}
