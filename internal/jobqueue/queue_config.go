/*
Package jobqueue schedules pipeline runs.

Two schedulers are provided. Scheduler is an in-process ticker for single-host
deployments. JobQueue uses River on PostgreSQL: a periodic job is enqueued every
interval with period-unique insert options and processed by a single worker,
so at most one run is active even when several bot processes share a database.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunables for the River-backed scheduler.
type QueueConfig struct {
	// Interval between runs (default: 15 minutes)
	Interval time.Duration

	// RunTimeout bounds one run; River cancels the job context after it (default: 10 minutes)
	RunTimeout time.Duration

	// MaxWorkers must stay at 1: runs must not overlap.
	MaxWorkers int

	// MaxAttempts per run. Failed runs are not retried; the next period
	// picks up whatever was left unrecorded.
	MaxAttempts int

	// RunOnStart enqueues a run as soon as the client starts.
	RunOnStart bool
}

// DefaultQueueConfig mirrors the Airflow schedule the bot replaced.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Interval:    15 * time.Minute,
		RunTimeout:  10 * time.Minute,
		MaxWorkers:  1,
		MaxAttempts: 1,
		RunOnStart:  true,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		QueueName: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}

// InsertOpts returns the options applied to every enqueued run.
func (c *QueueConfig) InsertOpts() *river.InsertOpts {
	return &river.InsertOpts{
		Queue:       QueueName,
		MaxAttempts: c.MaxAttempts,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: c.Interval,
		},
	}
}
