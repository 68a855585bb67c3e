package pipeline

import (
	"context"
	"time"

	"github.com/creditbot/internal/aggregate"
	"github.com/creditbot/internal/classify"
	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/links"
	"github.com/creditbot/internal/state"
)

// MessageRecord is a chat message as fetched from the source. It is not
// modified after fetching.
type MessageRecord struct {
	ID           string
	ChannelID    string
	Text         string
	ThreadRootID string
	UserID       string
	IsBot        bool
}

// MessageSource reads channel history and delivers replies and notifications.
type MessageSource interface {
	FetchRecent(ctx context.Context, channel string) ([]MessageRecord, error)
	PostReply(ctx context.Context, channel, threadRootID, text string) error
	Notify(ctx context.Context, operatorID, text string) error
}

// Resolver turns a dashboard reference into the query text behind it.
type Resolver interface {
	Resolve(ctx context.Context, ref links.DashboardReference) (string, error)
}

// Classifier decides the product family of a query.
type Classifier interface {
	Classify(query string, resolved bool) classify.Classification
}

// Runner executes one resolved reference.
type Runner interface {
	Execute(ctx context.Context, ref links.DashboardReference) executor.Outcome
}

// Ledger is the idempotency store.
type Ledger interface {
	Contains(ctx context.Context, messageID string) (bool, error)
	Record(ctx context.Context, messageID string, outcome state.Summary) (bool, error)
	MarkChecked(ctx context.Context, at time.Time) error
}

// Observer receives per-message and per-reference events. Implementations
// must be safe for concurrent use.
type Observer interface {
	MessageHandled(kind string, dryRun bool)
	ReferenceExecuted(outcome executor.Outcome, elapsed time.Duration)
	DispatchFailed()
	RunFinished(report RunReport)
}

type nopObserver struct{}

func (nopObserver) MessageHandled(string, bool) {}
func (nopObserver) ReferenceExecuted(executor.Outcome, time.Duration) {}
func (nopObserver) DispatchFailed() {}
func (nopObserver) RunFinished(RunReport) {}

// Stage is the processing state of a single message.
type Stage string

const (
	StageFetched      Stage = "fetched"
	StageDeduplicated Stage = "deduplicated"
	StageExtracting   Stage = "extracting"
	StageExecuting    Stage = "executing"
	StageAggregating  Stage = "aggregating"
	StageDispatching  Stage = "dispatching"
	StageRecorded     Stage = "recorded"
)

// Ignored is the recorded outcome kind for bot-authored messages.
const Ignored = "ignored"

// MessageResult describes what happened to one message.
type MessageResult struct {
	MessageID string
	Stage     Stage
	Outcome   aggregate.MessageOutcome
	// Kind is the recorded outcome kind, including Ignored.
	Kind          string
	DispatchError error
}

// RunReport summarises one run.
type RunReport struct {
	RunID        string
	Started      time.Time
	Duration     time.Duration
	Fetched      int
	Deduplicated int
	Recorded     int
	ByOutcome    map[string]int
	DryRun       bool
}
