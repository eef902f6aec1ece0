package serve

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/internal/config"
)

type Command struct {
	*base.Command

	flagConfig              string
	flagMigrate             bool
	flagConcurrency         int
	flagMaintenanceInterval time.Duration
	flagShutdownTimeout     time.Duration
}

func (c *Command) Synopsis() string {
	return "Run the embedding worker and index maintenance"
}

func (c *Command) Help() string {
	return `Usage: embedsearch serve [options]

  Run the embedding job worker until interrupted. The process also tunes
  the vector index on the configured interval and evicts expired cache
  entries, old rate-limit windows and old terminal jobs.

  With queue.scheduler = "kafka" the worker wakes as soon as any process
  enqueues a job; otherwise it polls.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("serve", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.BoolVar(
		&c.flagMigrate, "migrate", true,
		"Apply pending schema migrations on startup.",
	)
	f.IntVar(
		&c.flagConcurrency, "concurrency", 0,
		"Concurrent jobs (1-10). Overrides queue.concurrency when set.",
	)
	f.DurationVar(
		&c.flagMaintenanceInterval, "maintenance-interval", 10*time.Minute,
		"Interval between cache and job cleanup runs.",
	)
	f.DurationVar(
		&c.flagShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"How long in-flight jobs may run after an interrupt.",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			c.Log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{Migrate: c.flagMigrate})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting: %v", err))
		return 1
	}
	defer rt.Close()

	if c.flagConcurrency > 0 {
		applied := rt.Worker.SetConcurrency(c.flagConcurrency)
		if applied != c.flagConcurrency {
			c.UI.Warn(fmt.Sprintf("concurrency clamped to %d", applied))
		}
	}

	// Jobs run on their own context so an interrupt lets them finish
	// within the shutdown timeout.
	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorker()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- rt.Worker.Start(workerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	if rt.Kafka != nil {
		g.Go(func() error {
			return rt.Kafka.Run(gctx)
		})
	}

	g.Go(func() error {
		return rt.Advisor.Run(gctx, config.Duration(rt.Config.Index.OptimizeInterval))
	})

	g.Go(func() error {
		ticker := time.NewTicker(c.flagMaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := rt.Maintain(gctx); err != nil {
					c.Log.Warn("maintenance failed", "error", err)
				}
			}
		}
	})

	c.Log.Info("embedsearch started",
		"concurrency", rt.Worker.Concurrency(),
		"scheduler", rt.Config.Queue.Scheduler,
		"keyword_search", rt.Config.Search.Keyword,
	)

	<-gctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.flagShutdownTimeout)
	defer stopCancel()
	if err := rt.Worker.Stop(stopCtx); err != nil {
		// Cancelled jobs are requeued without consuming a retry.
		c.Log.Warn("in-flight jobs did not finish in time, requeueing", "error", err)
		cancelWorker()
		requeueCtx, requeueCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.Worker.Stop(requeueCtx)
		requeueCancel()
	}
	<-workerDone

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.UI.Error(fmt.Sprintf("error: %v", err))
		return 1
	}

	c.Log.Info("embedsearch stopped gracefully")
	return 0
}
