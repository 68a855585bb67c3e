// Package executor turns a resolved analytics query into a credit amount by
// delegating to an external compute system.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creditbot/internal/links"
	"github.com/creditbot/internal/logging"
)

// ErrorKind names why a reference produced no amount.
type ErrorKind string

const (
	LinkUnsupported   ErrorKind = "link_unsupported"
	ResolutionFailure ErrorKind = "resolution_failure"
	Timeout           ErrorKind = "executor_timeout"
	ExecutionError    ErrorKind = "executor_error"
	ResultMissing     ErrorKind = "result_missing"
	ResultUnparseable ErrorKind = "result_unparseable"
	Cancelled         ErrorKind = "cancelled"
)

// ErrJobFailed is returned by executors when the job itself reported failure.
var ErrJobFailed = errors.New("compute job failed")

// Failure describes an unsuccessful execution.
type Failure struct {
	Kind   ErrorKind
	Detail string
}

func (f Failure) String() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Outcome is Success{Amount} when Failure is nil, Failure otherwise.
type Outcome struct {
	Amount  decimal.Decimal
	Failure *Failure
}

func Success(amount decimal.Decimal) Outcome {
	return Outcome{Amount: amount}
}

func Fail(kind ErrorKind, detail string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Detail: detail}}
}

// OK reports whether the outcome carries an amount.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Handle identifies a submitted job.
type Handle string

// Result is what the compute system reported. Amount is the raw value as
// produced; an empty Amount means the field was absent.
type Result struct {
	Amount string
}

// Executor is the external compute collaborator. Submit may return before the
// computation finishes; Await blocks until a result, a failure, or ctx ends.
type Executor interface {
	Submit(ctx context.Context, query string) (Handle, error)
	Await(ctx context.Context, handle Handle) (Result, error)
}

// Adapter presents an Executor as one bounded, non-failing call per reference.
type Adapter struct {
	exec    Executor
	timeout time.Duration
}

func NewAdapter(exec Executor, timeout time.Duration) *Adapter {
	return &Adapter{exec: exec, timeout: timeout}
}

// Execute runs the reference's resolved query. Every failure, including a panic
// inside the executor, comes back as a Failure outcome. When ctx itself is
// cancelled the outcome is Cancelled and the caller must abandon the message.
func (a *Adapter) Execute(ctx context.Context, ref links.DashboardReference) (out Outcome) {
	logger := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("url", ref.URL).Interface("panic", r).Msg("Executor panicked")
			out = Fail(ExecutionError, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return Fail(Cancelled, err.Error())
	}
	if !ref.Resolved() {
		return Fail(ResolutionFailure, "no query to execute")
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	handle, err := a.exec.Submit(callCtx, ref.ResolvedQuery)
	if err != nil {
		return a.failure(ctx, callCtx, err)
	}

	logger.Debug().Str("url", ref.URL).Str("handle", string(handle)).Msg("Compute job submitted")

	res, err := a.exec.Await(callCtx, handle)
	if err != nil {
		return a.failure(ctx, callCtx, err)
	}

	amount, fail := ParseAmount(res.Amount)
	if fail != nil {
		return Outcome{Failure: fail}
	}

	logger.Debug().
		Str("url", ref.URL).
		Str("amount", amount.StringFixed(2)).
		Dur("elapsed", time.Since(start)).
		Msg("Compute job finished")
	return Success(amount)
}

func (a *Adapter) failure(parent, call context.Context, err error) Outcome {
	switch {
	case parent.Err() != nil:
		return Fail(Cancelled, parent.Err().Error())
	case errors.Is(call.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return Fail(Timeout, fmt.Sprintf("no result within %s", a.timeout))
	default:
		return Fail(ExecutionError, err.Error())
	}
}

// ParseAmount accepts values such as "179.73", "$4,948.80" or "'12.5'".
func ParseAmount(raw string) (decimal.Decimal, *Failure) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.Trim(cleaned, `'"`)
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" || strings.EqualFold(cleaned, "none") || strings.EqualFold(cleaned, "null") {
		return decimal.Decimal{}, &Failure{Kind: ResultMissing, Detail: "credit_amount not reported"}
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, &Failure{Kind: ResultUnparseable, Detail: fmt.Sprintf("credit_amount %q is not numeric", raw)}
	}
	return amount, nil
}
