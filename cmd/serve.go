package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/creditbot/internal/api"
	"github.com/creditbot/internal/config"
	"github.com/creditbot/internal/jobqueue"
	"github.com/creditbot/internal/metrics"
)

// ServeCommand returns the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Poll the channel on a schedule and expose health and metrics",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"d"},
				Usage:   "Process and record messages without posting replies or notifications",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address for /healthz and /metrics (overrides server.addr)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := buildBot(ctx, cfg, c.Bool("dry-run"), metrics.NewRecorder(reg))
	if err != nil {
		return err
	}
	defer b.Close()
	reg.MustRegister(metrics.NewLedgerCollector(b.store))

	stopScheduler, trigger, err := startScheduler(ctx, cfg, b)
	if err != nil {
		return err
	}
	defer stopScheduler()

	health := func(ctx context.Context) (time.Time, error) {
		st, err := b.store.Stats(ctx)
		if err != nil {
			return time.Time{}, err
		}
		return st.LastCheck, nil
	}
	srv := api.NewServer(cfg.Server.Addr, reg, health, 2*cfg.Scheduler.Interval)
	srv.SetTrigger(trigger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Shutting down")
	return nil
}

// startScheduler runs the pipeline on River when a scheduler database is
// configured and on an in-process ticker otherwise. The returned trigger
// requests an extra run.
func startScheduler(ctx context.Context, cfg *config.Config, b *bot) (func(), api.TriggerFunc, error) {
	if cfg.Scheduler.DatabaseURL == "" {
		s := jobqueue.NewScheduler(b.pipeline, cfg.Scheduler.Interval, cfg.Scheduler.RunTimeout)
		s.Start(ctx)
		return s.Stop, s.Trigger, nil
	}

	qc := jobqueue.DefaultQueueConfig()
	qc.Interval = cfg.Scheduler.Interval
	qc.RunTimeout = cfg.Scheduler.RunTimeout

	jq, err := jobqueue.NewJobQueue(ctx, cfg.Scheduler.DatabaseURL, b.channel, b.pipeline, qc)
	if err != nil {
		return nil, nil, err
	}
	if err := jq.Start(ctx); err != nil {
		jq.Stop(context.Background())
		return nil, nil, fmt.Errorf("failed to start River scheduler: %w", err)
	}
	trigger := func(ctx context.Context) error {
		return jq.TriggerRun(ctx, b.channel)
	}
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := jq.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("River scheduler did not stop cleanly")
		}
	}, trigger, nil
}
