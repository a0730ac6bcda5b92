package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rebalancer/internal/analyzer"
	"github.com/alanyoungcy/rebalancer/internal/jobs"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/server"
	"github.com/alanyoungcy/rebalancer/internal/server/handler"
)

// AllMode runs the worker, installs the balance-check schedulers, consumes
// proven intents and serves the HTTP surface in one process.
func (a *App) AllMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting all mode")

	c := build(a.cfg, deps, a.logger)
	g, ctx := errgroup.WithContext(ctx)

	a.startBackground(ctx, g, deps)
	a.startWorker(ctx, g, deps, c)
	if err := a.startSchedulers(ctx, g.Go, deps, c); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, c)

	return g.Wait()
}

// WorkerMode only processes jobs. Schedulers are expected to be installed by
// a scheduler process sharing the same queue.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	c := build(a.cfg, deps, a.logger)
	g, ctx := errgroup.WithContext(ctx)

	a.startBackground(ctx, g, deps)
	a.startWorker(ctx, g, deps, c)
	a.startHTTPServer(ctx, g, deps, c)

	return g.Wait()
}

// SchedulerMode installs the recurring check_balances jobs and forwards
// proven intents to the queue. It executes nothing itself.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	c := build(a.cfg, deps, a.logger)
	g, ctx := errgroup.WithContext(ctx)

	a.startBackground(ctx, g, deps)
	if err := a.startSchedulers(ctx, g.Go, deps, c); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, c)

	// Keep the process alive when there is no intent monitor to block on.
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// AnalyzeMode prints one analysis table per wallet and exits.
func (a *App) AnalyzeMode(ctx context.Context, deps *Dependencies) error {
	return a.analyze(ctx, os.Stdout, build(a.cfg, deps, a.logger))
}

func (a *App) analyze(ctx context.Context, w io.Writer, c *components) error {
	for _, wallet := range c.liquidity.Wallets() {
		res, err := c.liquidity.AnalyzeTokens(ctx, wallet)
		if err != nil {
			return fmt.Errorf("analyze mode: %s: %w", wallet.Hex(), err)
		}
		if _, err := fmt.Fprintf(w, "wallet %s\n", wallet.Hex()); err != nil {
			return err
		}
		if err := analyzer.Report(w, res); err != nil {
			return fmt.Errorf("analyze mode: report: %w", err)
		}
	}
	return nil
}

func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	for _, run := range deps.background {
		g.Go(func() error { return run(ctx) })
	}
}

func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	q := a.cfg.Queue
	w := queue.NewWorker(queue.WorkerConfig{
		Name:         q.Name,
		Concurrency:  q.Concurrency,
		PollInterval: q.PollInterval.Duration,
		DeferDelay:   q.DeferDelay.Duration,
	}, deps.Queue, queue.NewAdmission(queue.AdmissionConfig{
		MaxActive:     q.MaxActive,
		NonConcurrent: q.NonConcurrent,
		GroupLimit:    q.GroupLimit,
	}), a.logger, c.managers...)
	w.SetObserver(deps.Metrics)

	a.logger.InfoContext(ctx, "worker configured",
		slog.Int("managers", len(c.managers)),
		slog.Any("strategies", c.registry.Strategies()),
	)
	g.Go(func() error { return w.Run(ctx) })
}

// startSchedulers installs the check_balances schedulers and hands the
// intent monitor loop to spawn.
func (a *App) startSchedulers(ctx context.Context, spawn func(func() error), deps *Dependencies, c *components) error {
	wallets := c.liquidity.Wallets()
	if err := jobs.ScheduleCheckBalances(ctx, deps.Queue, wallets, a.cfg.Liquidity.Interval.Duration); err != nil {
		return fmt.Errorf("app: schedule: %w", err)
	}
	a.logger.InfoContext(ctx, "check_balances scheduled",
		slog.Int("wallets", len(wallets)),
		slog.Duration("every", a.cfg.Liquidity.Interval.Duration),
	)

	if c.monitor != nil && deps.Stream != nil {
		spawn(func() error {
			return c.monitor.Consume(ctx, deps.Stream, a.cfg.NegativeIntent.PollInterval.Duration)
		})
	}
	return nil
}

// startHTTPServer adds the metrics, probe and status server to g when
// enabled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	srv := server.NewServer(server.Config{
		Addr:              a.cfg.Metrics.Addr,
		APIKey:            a.cfg.Metrics.APIKey,
		RequestsPerMinute: a.cfg.Metrics.RequestsPerMinute,
		Limiter:           deps.Limiter,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(c.liquidity, deps.Rebalances, deps.Queue, a.logger),
		Metrics: deps.Metrics.Handler(),
	}, a.logger)

	g.Go(func() error { return srv.Run(ctx) })
}
