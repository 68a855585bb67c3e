package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/creditbot/internal/classify"
	"github.com/creditbot/internal/config"
	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/links"
	"github.com/creditbot/internal/looker"
	"github.com/creditbot/internal/pipeline"
	"github.com/creditbot/internal/slack"
	"github.com/creditbot/internal/state"
)

// bot holds the wired components for one process.
type bot struct {
	pipeline *pipeline.Pipeline
	store    *state.Store
	slack    *slack.Client
	channel  string
	closers  []func()
}

func (b *bot) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// buildBot connects every collaborator described by cfg.
func buildBot(ctx context.Context, cfg *config.Config, dryRun bool, observer pipeline.Observer) (*bot, error) {
	b := &bot{}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.store = store
	b.closers = append(b.closers, closeStore)

	b.slack = slack.NewClient(slack.Config{
		Token:         cfg.Slack.Token,
		BaseURL:       cfg.Slack.BaseURL,
		RatePerSecond: cfg.Slack.RatePerSecond,
		HistoryLimit:  cfg.Slack.HistoryLimit,
	})
	if _, err := b.slack.AuthTest(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("slack connection failed: %w", err)
	}

	b.channel = cfg.Slack.ChannelID
	if b.channel == "" {
		b.channel, err = b.slack.ResolveChannel(ctx, cfg.Slack.Channel)
		if err != nil {
			b.Close()
			return nil, err
		}
	}

	exec, err := openExecutor(cfg)
	if err != nil {
		b.Close()
		return nil, err
	}

	classifier := classify.New(classify.KeywordPredicate{
		Terms:         cfg.Classifier.Terms,
		Corroborators: cfg.Classifier.Corroborators,
	})
	resolver := looker.NewClient(cfg.Looker.BaseURL, cfg.Looker.ClientID, cfg.Looker.ClientSecret)

	b.pipeline = pipeline.New(pipeline.Config{
		Channel:             b.channel,
		OperatorID:          cfg.Slack.OperatorID,
		Workers:             cfg.General.Workers,
		DryRun:              dryRun || cfg.General.DryRun,
		ReplyCategory:       cfg.General.ReplyCategory,
		PublicFailureNotice: cfg.General.PublicFailureNotice,
	}, pipeline.Deps{
		Source:     b.slack,
		Resolver:   resolver,
		Classifier: classifier,
		Runner:     executor.NewAdapter(exec, cfg.Executor.Timeout),
		Ledger:     store,
		Extractor:  links.NewExtractor(cfg.AnalyticsHosts()),
		Observer:   observer,
	})

	log.Info().
		Str("channel", b.channel).
		Str("executor", cfg.Executor.Type).
		Str("state_backend", cfg.State.Backend).
		Bool("dry_run", dryRun || cfg.General.DryRun).
		Msg("Bot ready")
	return b, nil
}

func openExecutor(cfg *config.Config) (executor.Executor, error) {
	switch cfg.Executor.Type {
	case "papermill":
		pm, err := executor.NewPapermill(executor.PapermillConfig{
			Notebook:  cfg.Executor.Notebook,
			OutputDir: cfg.Executor.OutputDir,
			Kernel:    cfg.Executor.Kernel,
			Parameter: cfg.Executor.Parameter,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up papermill executor: %w", err)
		}
		return pm, nil
	case "http":
		return executor.NewHTTPJob(cfg.Executor.Endpoint, cfg.Executor.Token, cfg.Executor.PollInterval), nil
	case "static":
		return &executor.Static{Fallback: cfg.Executor.StaticAmount}, nil
	default:
		return nil, fmt.Errorf("unsupported executor type: %s", cfg.Executor.Type)
	}
}

// openStore opens the configured ledger backend. The returned func releases
// its resources.
func openStore(ctx context.Context, cfg *config.Config) (*state.Store, func(), error) {
	opts := []state.Option{
		state.WithCapacity(cfg.State.Capacity),
		state.WithConflictRetries(cfg.State.MaxConflictRetries),
	}

	switch cfg.State.Backend {
	case "file":
		return state.NewStore(state.NewFileBackend(afero.NewOsFs(), cfg.State.Path), opts...), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.State.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		backend := state.NewPostgresBackend(pool, "")
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return state.NewStore(backend, opts...), pool.Close, nil
	case "s3":
		backend, err := state.NewS3Backend(ctx, cfg.State.Bucket, cfg.State.Key, cfg.State.Region)
		if err != nil {
			return nil, nil, err
		}
		return state.NewStore(backend, opts...), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported state backend: %s", cfg.State.Backend)
	}
}
