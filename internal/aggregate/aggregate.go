// Package aggregate combines per-reference execution outcomes into a single
// outcome for a message.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/creditbot/internal/classify"
	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/links"
)

// Kind is the message-level outcome.
type Kind string

const (
	NoReference    Kind = "no_reference"
	AllSkipped     Kind = "all_skipped"
	Success        Kind = "success"
	PartialFailure Kind = "partial_failure"
	TotalFailure   Kind = "total_failure"
)

// ReferenceResult is one reference after classification and, for verify
// references, execution. Outcome is nil when the reference was not executed.
type ReferenceResult struct {
	Ref            links.DashboardReference
	Classification classify.Classification
	Outcome        *executor.Outcome
	// Reason explains an indeterminate classification.
	Reason *executor.Failure
}

// Diagnostic describes a reference that did not contribute an amount.
type Diagnostic struct {
	Position int
	URL      string
	Kind     executor.ErrorKind
	Detail   string
}

func (d Diagnostic) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("#%d %s (%s)", d.Position, d.URL, d.Kind)
	}
	return fmt.Sprintf("#%d %s (%s: %s)", d.Position, d.URL, d.Kind, d.Detail)
}

// MessageOutcome is the aggregated result. Total and Succeeded are only
// meaningful for Success and PartialFailure.
type MessageOutcome struct {
	Kind      Kind
	Total     decimal.Decimal
	Succeeded int
	Failed    int
	// Failures lists failed verify executions in text order.
	Failures []Diagnostic
	// Indeterminate lists references that could not be classified, in text order.
	Indeterminate []Diagnostic
}

// Reason summarises why a TotalFailure happened.
func (o MessageOutcome) Reason() string {
	if len(o.Failures) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(o.Failures))
	seen := make(map[executor.ErrorKind]bool)
	for _, f := range o.Failures {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			kinds = append(kinds, string(f.Kind))
		}
	}
	return strings.Join(kinds, ", ")
}

// Aggregate applies, in order: no references, no verify attempted, all verify
// succeeded, some failed, all failed. Amounts are summed in text order.
func Aggregate(results []ReferenceResult) MessageOutcome {
	if len(results) == 0 {
		return MessageOutcome{Kind: NoReference}
	}

	var out MessageOutcome
	attempted := 0
	for _, r := range results {
		switch r.Classification {
		case classify.Indeterminate:
			d := Diagnostic{Position: r.Ref.Position, URL: r.Ref.URL, Kind: executor.ResolutionFailure}
			if r.Reason != nil {
				d.Kind = r.Reason.Kind
				d.Detail = r.Reason.Detail
			}
			out.Indeterminate = append(out.Indeterminate, d)
		case classify.Verify:
			if r.Outcome == nil {
				continue
			}
			attempted++
			if r.Outcome.OK() {
				out.Total = out.Total.Add(r.Outcome.Amount)
				out.Succeeded++
				continue
			}
			out.Failed++
			out.Failures = append(out.Failures, Diagnostic{
				Position: r.Ref.Position,
				URL:      r.Ref.URL,
				Kind:     r.Outcome.Failure.Kind,
				Detail:   r.Outcome.Failure.Detail,
			})
		}
	}

	switch {
	case attempted == 0:
		out.Kind = AllSkipped
	case out.Failed == 0:
		out.Kind = Success
	case out.Succeeded > 0:
		out.Kind = PartialFailure
	default:
		out.Kind = TotalFailure
	}
	return out
}

// FormatUSD renders an amount as $1,234.56, rounding half away from zero.
func FormatUSD(amount decimal.Decimal) string {
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	s := amount.StringFixed(2)
	whole, frac := s[:len(s)-3], s[len(s)-2:]

	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + "$" + b.String() + "." + frac
}
