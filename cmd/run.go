package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

// RunCommand returns the run command
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Process recent channel messages once and exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"d"},
				Usage:   "Process and record messages without posting replies or notifications",
			},
		},
		Action: runOnce,
	}
}

func runOnce(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Scheduler.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Scheduler.RunTimeout)
		defer cancel()
	}

	b, err := buildBot(ctx, cfg, c.Bool("dry-run"), nil)
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := b.pipeline.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", report.RunID, err)
	}

	fmt.Printf("Run %s: %d fetched, %d already processed, %d recorded in %s\n",
		report.RunID, report.Fetched, report.Deduplicated, report.Recorded, report.Duration.Round(time.Millisecond))
	for kind, n := range report.ByOutcome {
		fmt.Printf("  %-16s %d\n", kind, n)
	}
	return nil
}
