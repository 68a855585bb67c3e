package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/creditbot/internal/aggregate"
	"github.com/creditbot/internal/config"
)

// StateCommand returns the state command
func StateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Inspect the processed-message ledger",
		Subcommands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "Show ledger statistics",
				Action: runStateStats,
			},
			{
				Name:      "show",
				Usage:     "Show the recorded outcome for a message",
				ArgsUsage: "<message-id>",
				Action:    runStateShow,
			},
		},
	}
}

// The state commands only need the storage section, so the rest of the
// configuration is not validated.
func loadStateConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runStateStats(c *cli.Context) error {
	cfg, err := loadStateConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Backend:          %s\n", cfg.State.Backend)
	fmt.Printf("Entries:          %d / %d\n", st.Entries, st.Capacity)
	fmt.Printf("Total processed:  %d\n", st.TotalProcessed)
	fmt.Printf("Created:          %s\n", formatTime(st.CreatedAt))
	fmt.Printf("Last check:       %s\n", formatTime(st.LastCheck))
	fmt.Printf("Oldest entry:     %s\n", formatTime(st.Oldest))
	fmt.Printf("Newest entry:     %s\n", formatTime(st.Newest))

	kinds := make([]string, 0, len(st.ByOutcome))
	for k := range st.ByOutcome {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-16s %d\n", k, st.ByOutcome[k])
	}
	return nil
}

func runStateShow(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one message id")
	}
	cfg, err := loadStateConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	entry, ok, err := store.Get(ctx, c.Args().First())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %s has not been processed", c.Args().First())
	}

	fmt.Printf("Message:    %s\n", entry.MessageID)
	fmt.Printf("Processed:  %s\n", formatTime(entry.ProcessedAt))
	fmt.Printf("Outcome:    %s\n", entry.Outcome.Kind)
	if entry.Outcome.Total != "" {
		fmt.Printf("Total:      %s\n", entry.Outcome.Total)
	}
	switch aggregate.Kind(entry.Outcome.Kind) {
	case aggregate.Success, aggregate.PartialFailure:
		fmt.Printf("References: %d succeeded, %d failed\n", entry.Outcome.Succeeded, entry.Outcome.Failed)
	}
	if entry.Outcome.Error != "" {
		fmt.Printf("Error:      %s\n", entry.Outcome.Error)
	}
	if entry.Outcome.DryRun {
		fmt.Println("Dry run:    yes")
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
