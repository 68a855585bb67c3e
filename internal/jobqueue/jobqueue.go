package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/creditbot/internal/pipeline"
)

// QueueName is the River queue used for pipeline runs.
const QueueName = "creditbot"

// Runner performs one pipeline run.
type Runner interface {
	RunOnce(ctx context.Context) (pipeline.RunReport, error)
}

// PollChannelArgs represents the arguments for a pipeline run job
type PollChannelArgs struct {
	Channel string `json:"channel"`
}

// Kind returns the job kind for River
func (PollChannelArgs) Kind() string {
	return "poll_channel"
}

// PollChannelWorker runs the pipeline for each job.
type PollChannelWorker struct {
	river.WorkerDefaults[PollChannelArgs]
	runner  Runner
	timeout time.Duration
}

func (w *PollChannelWorker) Timeout(job *river.Job[PollChannelArgs]) time.Duration {
	return w.timeout
}

func (w *PollChannelWorker) Work(ctx context.Context, job *river.Job[PollChannelArgs]) error {
	log.Info().Int64("job_id", job.ID).Str("channel", job.Args.Channel).Msg("Starting scheduled run")

	report, err := w.runner.RunOnce(ctx)
	if err != nil {
		// Runs are never retried: the next period starts fresh.
		return river.JobCancel(fmt.Errorf("run %s: %w", report.RunID, err))
	}
	return nil
}

// JobQueue wraps the River client and its connection pool.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue connects to databaseURL, applies River's migrations and
// registers the periodic run job.
func NewJobQueue(ctx context.Context, databaseURL, channel string, runner Runner, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &PollChannelWorker{runner: runner, timeout: config.RunTimeout})

	periodic := river.NewPeriodicJob(
		river.PeriodicInterval(config.Interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return PollChannelArgs{Channel: channel}, config.InsertOpts()
		},
		&river.PeriodicJobOpts{RunOnStart: config.RunOnStart},
	)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       config.RiverQueueConfig(),
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{periodic},
		JobTimeout:   config.RunTimeout,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	log.Info().Dur("interval", jq.config.Interval).Msg("Starting River scheduler")
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// TriggerRun enqueues a run now, outside the periodic schedule.
func (jq *JobQueue) TriggerRun(ctx context.Context, channel string) error {
	opts := jq.config.InsertOpts()
	opts.UniqueOpts = river.UniqueOpts{}
	if _, err := jq.client.Insert(ctx, PollChannelArgs{Channel: channel}, opts); err != nil {
		return fmt.Errorf("failed to queue run: %w", err)
	}
	return nil
}
