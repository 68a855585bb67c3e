// Package pipeline turns fetched chat messages into recorded credit outcomes.
// Each message passes a deduplication gate, has its dashboard links resolved,
// classified and executed, and ends with exactly one ledger entry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/creditbot/internal/aggregate"
	"github.com/creditbot/internal/classify"
	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/links"
	"github.com/creditbot/internal/logging"
	"github.com/creditbot/internal/state"
)

// ErrCancelled is returned for a message abandoned because the run ended.
var ErrCancelled = errors.New("pipeline: run cancelled")

// Config holds run settings.
type Config struct {
	Channel             string
	OperatorID          string
	Workers             int
	DryRun              bool
	ReplyCategory       string
	PublicFailureNotice bool
}

// Pipeline wires the collaborators together.
type Pipeline struct {
	cfg        Config
	source     MessageSource
	resolver   Resolver
	classifier Classifier
	runner     Runner
	ledger     Ledger
	extractor  *links.Extractor
	observer   Observer
	now        func() time.Time
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Source     MessageSource
	Resolver   Resolver
	Classifier Classifier
	Runner     Runner
	Ledger     Ledger
	Extractor  *links.Extractor
	Observer   Observer
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReplyCategory == "" {
		cfg.ReplyCategory = "exceptions"
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Pipeline{
		cfg:        cfg,
		source:     deps.Source,
		resolver:   deps.Resolver,
		classifier: deps.Classifier,
		runner:     deps.Runner,
		ledger:     deps.Ledger,
		extractor:  deps.Extractor,
		observer:   observer,
		now:        time.Now,
	}
}

// RunOnce fetches recent messages and processes every unseen one. Messages are
// handled in parallel up to the configured worker count. A ledger error
// (corruption or exhausted conflicts) aborts the run; per-message failures
// never do.
func (p *Pipeline) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{
		RunID:     uuid.NewString(),
		Started:   p.now(),
		ByOutcome: make(map[string]int),
		DryRun:    p.cfg.DryRun,
	}

	runLog, err := logging.StartRunLogging(report.RunID)
	if err != nil {
		log.Warn().Err(err).Msg("Run log file unavailable, logging to console only")
	}
	defer runLog.Close()
	logger := runLog.Logger()
	ctx = runLog.WithContext(ctx)

	runLog.LogSection("FETCH")
	messages, err := p.source.FetchRecent(ctx, p.cfg.Channel)
	if err != nil {
		return report, fmt.Errorf("failed to fetch messages: %w", err)
	}
	messages = uniqueByID(messages)
	report.Fetched = len(messages)
	logger.Info().Int("messages", len(messages)).Str("channel", p.cfg.Channel).Bool("dry_run", p.cfg.DryRun).Msg("Fetched messages")

	runLog.LogSection("PROCESS")
	results := make([]MessageResult, len(messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, msg := range messages {
		g.Go(func() error {
			res, err := p.ProcessMessage(gctx, msg)
			results[i] = res
			if errors.Is(err, ErrCancelled) {
				return nil
			}
			return err
		})
	}
	runErr := g.Wait()

	for _, res := range results {
		switch res.Stage {
		case StageDeduplicated:
			report.Deduplicated++
		case StageRecorded:
			report.Recorded++
			report.ByOutcome[res.Kind]++
		}
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if runErr == nil {
		if err := p.ledger.MarkChecked(ctx, p.now()); err != nil {
			runErr = fmt.Errorf("failed to update last check: %w", err)
		}
	}

	report.Duration = time.Since(report.Started)
	p.observer.RunFinished(report)

	runLog.LogSection("SUMMARY")
	evt := logger.Info()
	if runErr != nil {
		evt = logger.Error().Err(runErr)
	}
	evt.Int("fetched", report.Fetched).
		Int("deduplicated", report.Deduplicated).
		Int("recorded", report.Recorded).
		Interface("outcomes", report.ByOutcome).
		Dur("duration", report.Duration).
		Msg("Run finished")

	return report, runErr
}

func uniqueByID(messages []MessageRecord) []MessageRecord {
	seen := make(map[string]struct{}, len(messages))
	out := messages[:0:0]
	for _, m := range messages {
		if _, ok := seen[m.ID]; ok || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ProcessMessage runs one message through the state machine. The returned
// error is non-nil only when the message could not reach a terminal stage:
// ErrCancelled when the run ended first, or a ledger error.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg MessageRecord) (MessageResult, error) {
	res := MessageResult{MessageID: msg.ID, Stage: StageFetched}
	logger := logging.FromContext(ctx).With().Str("message_id", msg.ID).Logger()

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	seen, err := p.ledger.Contains(ctx, msg.ID)
	if err != nil {
		return res, fmt.Errorf("dedup check for %s: %w", msg.ID, err)
	}
	if seen {
		res.Stage = StageDeduplicated
		logger.Debug().Msg("Message already processed")
		return res, nil
	}

	if msg.IsBot {
		res.Kind = Ignored
		return p.record(ctx, logger, res, state.Summary{Kind: Ignored, DryRun: p.cfg.DryRun})
	}

	res.Stage = StageExtracting
	refs := p.extractor.Collect(msg.Text)
	logger.Info().Int("references", len(refs)).Msg("Processing message")

	res.Stage = StageExecuting
	results := make([]aggregate.ReferenceResult, 0, len(refs))
	for _, ref := range refs {
		rr, err := p.processReference(ctx, logger, ref)
		if err != nil {
			return res, err
		}
		results = append(results, rr)
	}

	res.Stage = StageAggregating
	res.Outcome = aggregate.Aggregate(results)
	res.Kind = string(res.Outcome.Kind)
	logger.Info().
		Str("outcome", res.Kind).
		Str("total", res.Outcome.Total.StringFixed(2)).
		Int("succeeded", res.Outcome.Succeeded).
		Int("failed", res.Outcome.Failed).
		Msg("Aggregated message outcome")

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	res.Stage = StageDispatching
	res.DispatchError = p.dispatch(ctx, logger, msg, res.Outcome)

	summary := summarize(res.Outcome)
	summary.DryRun = p.cfg.DryRun
	if res.DispatchError != nil {
		if summary.Error != "" {
			summary.Error += "; "
		}
		summary.Error += "dispatch: " + res.DispatchError.Error()
	}
	return p.record(ctx, logger, res, summary)
}

func (p *Pipeline) record(ctx context.Context, logger zerolog.Logger, res MessageResult, summary state.Summary) (MessageResult, error) {
	// Recording must survive run cancellation once dispatch has happened.
	recordCtx := context.WithoutCancel(ctx)
	if _, err := p.ledger.Record(recordCtx, res.MessageID, summary); err != nil {
		return res, fmt.Errorf("record %s: %w", res.MessageID, err)
	}
	res.Stage = StageRecorded
	p.observer.MessageHandled(res.Kind, p.cfg.DryRun)
	logger.Info().Str("outcome", res.Kind).Msg("Message recorded")
	return res, nil
}

func (p *Pipeline) processReference(ctx context.Context, logger zerolog.Logger, ref links.DashboardReference) (aggregate.ReferenceResult, error) {
	rr := aggregate.ReferenceResult{Ref: ref}
	refLog := logger.With().Int("position", ref.Position).Str("url", ref.URL).Logger()

	if ref.Kind == links.KindUnsupported {
		rr.Classification = classify.Indeterminate
		rr.Reason = &executor.Failure{Kind: executor.LinkUnsupported, Detail: "link shape cannot be resolved to a query"}
		refLog.Warn().Msg("Unsupported dashboard link")
		return rr, nil
	}

	query, err := p.resolver.Resolve(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return rr, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		rr.Classification = classify.Indeterminate
		rr.Reason = &executor.Failure{Kind: executor.ResolutionFailure, Detail: err.Error()}
		refLog.Warn().Err(err).Msg("Failed to resolve dashboard link")
		return rr, nil
	}
	ref.ResolvedQuery = query
	rr.Ref = ref

	rr.Classification = p.classifier.Classify(query, ref.Resolved())
	refLog.Debug().Str("classification", string(rr.Classification)).Msg("Classified reference")
	switch rr.Classification {
	case classify.Indeterminate:
		rr.Reason = &executor.Failure{Kind: executor.ResolutionFailure, Detail: "empty query"}
		return rr, nil
	case classify.Other:
		return rr, nil
	}

	start := time.Now()
	outcome := p.runner.Execute(ctx, ref)
	if !outcome.OK() && outcome.Failure.Kind == executor.Cancelled {
		return rr, fmt.Errorf("%w: %s", ErrCancelled, outcome.Failure.Detail)
	}
	p.observer.ReferenceExecuted(outcome, time.Since(start))
	if outcome.OK() {
		refLog.Info().Str("amount", outcome.Amount.StringFixed(2)).Msg("Reference executed")
	} else {
		refLog.Warn().Str("error_kind", string(outcome.Failure.Kind)).Str("detail", outcome.Failure.Detail).Msg("Reference failed")
	}
	rr.Outcome = &outcome
	return rr, nil
}

// dispatch performs the external calls for an outcome. In dry-run mode it
// only logs what would have been sent.
func (p *Pipeline) dispatch(ctx context.Context, logger zerolog.Logger, msg MessageRecord, out aggregate.MessageOutcome) error {
	var reply, notice string
	switch out.Kind {
	case aggregate.NoReference:
		reply = NoReferenceReply
	case aggregate.AllSkipped:
		if len(out.Indeterminate) > 0 {
			notice = skippedNotification(msg, out)
		}
	case aggregate.Success:
		reply = approvedReply(out, p.cfg.ReplyCategory)
	case aggregate.PartialFailure, aggregate.TotalFailure:
		notice = failureNotification(msg, out)
		if p.cfg.PublicFailureNotice {
			reply = FailureNotice
		}
	}

	if p.cfg.DryRun {
		logger.Info().Str("reply", reply).Str("notification", notice).Msg("Dry run: dispatch suppressed")
		return nil
	}

	var errs []error
	if reply != "" {
		if err := p.source.PostReply(ctx, msg.ChannelID, msg.ThreadRootID, reply); err != nil {
			errs = append(errs, fmt.Errorf("reply: %w", err))
		}
	}
	if notice != "" {
		if err := p.notify(ctx, notice); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err == nil {
		return nil
	}

	p.observer.DispatchFailed()
	logger.Error().Err(err).Str("outcome", string(out.Kind)).Msg("Dispatch failed")
	if nerr := p.notify(ctx, dispatchFailureNotification(msg, string(out.Kind), err)); nerr != nil {
		logger.Error().Err(nerr).Msg("Failed to report dispatch failure to operator")
	}
	return err
}

func (p *Pipeline) notify(ctx context.Context, text string) error {
	if p.cfg.OperatorID == "" {
		return fmt.Errorf("no operator configured")
	}
	return p.source.Notify(ctx, p.cfg.OperatorID, text)
}

func summarize(out aggregate.MessageOutcome) state.Summary {
	s := state.Summary{
		Kind:      string(out.Kind),
		Succeeded: out.Succeeded,
		Failed:    out.Failed,
	}
	switch out.Kind {
	case aggregate.Success, aggregate.PartialFailure:
		s.Total = out.Total.StringFixed(2)
	case aggregate.TotalFailure:
		s.Error = out.Reason()
	}
	return s
}
