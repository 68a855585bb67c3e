package aggregate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditbot/internal/classify"
	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/links"
)

func ref(pos int) links.DashboardReference {
	return links.DashboardReference{
		URL:      "https://acme.cloud.looker.com/looks/" + string(rune('0'+pos)),
		Kind:     links.KindLook,
		Position: pos,
	}
}

func ok(amount string) *executor.Outcome {
	o := executor.Success(decimal.RequireFromString(amount))
	return &o
}

func failed(kind executor.ErrorKind) *executor.Outcome {
	o := executor.Fail(kind, "")
	return &o
}

func TestAggregateNoReference(t *testing.T) {
	assert.Equal(t, NoReference, Aggregate(nil).Kind)
}

func TestAggregateSumsVerifyOnly(t *testing.T) {
	out := Aggregate([]ReferenceResult{
		{Ref: ref(1), Classification: classify.Verify, Outcome: ok("100.00")},
		{Ref: ref(2), Classification: classify.Other},
		{Ref: ref(3), Classification: classify.Verify, Outcome: ok("48.80")},
	})

	require.Equal(t, Success, out.Kind)
	assert.Equal(t, "148.80", out.Total.StringFixed(2))
	assert.Equal(t, 2, out.Succeeded)
	assert.Zero(t, out.Failed)
}

func TestAggregateCurrencyPrecision(t *testing.T) {
	var results []ReferenceResult
	for i := 0; i < 10; i++ {
		results = append(results,
			ReferenceResult{Ref: ref(1), Classification: classify.Verify, Outcome: ok("0.10")},
			ReferenceResult{Ref: ref(2), Classification: classify.Verify, Outcome: ok("0.20")},
		)
	}

	out := Aggregate(results)
	require.Equal(t, Success, out.Kind)
	assert.True(t, out.Total.Equal(decimal.RequireFromString("3.00")), "total was %s", out.Total)
	assert.Equal(t, "$3.00", FormatUSD(out.Total))
}

func TestAggregateAllSkipped(t *testing.T) {
	out := Aggregate([]ReferenceResult{
		{Ref: ref(1), Classification: classify.Other},
		{Ref: ref(2), Classification: classify.Indeterminate, Reason: &executor.Failure{Kind: executor.LinkUnsupported, Detail: "short link"}},
	})

	require.Equal(t, AllSkipped, out.Kind)
	want := []Diagnostic{{Position: 2, URL: ref(2).URL, Kind: executor.LinkUnsupported, Detail: "short link"}}
	if diff := cmp.Diff(want, out.Indeterminate); diff != "" {
		t.Errorf("indeterminate mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregatePartialFailure(t *testing.T) {
	out := Aggregate([]ReferenceResult{
		{Ref: ref(1), Classification: classify.Verify, Outcome: failed(executor.Timeout)},
		{Ref: ref(2), Classification: classify.Verify, Outcome: ok("10.00")},
		{Ref: ref(3), Classification: classify.Verify, Outcome: failed(executor.ResultMissing)},
	})

	require.Equal(t, PartialFailure, out.Kind)
	assert.Equal(t, "10.00", out.Total.StringFixed(2))
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Failed)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, 1, out.Failures[0].Position)
	assert.Equal(t, 3, out.Failures[1].Position)
}

func TestAggregateTotalFailure(t *testing.T) {
	out := Aggregate([]ReferenceResult{
		{Ref: ref(1), Classification: classify.Verify, Outcome: failed(executor.Timeout)},
		{Ref: ref(2), Classification: classify.Other},
		{Ref: ref(3), Classification: classify.Verify, Outcome: failed(executor.Timeout)},
		{Ref: ref(4), Classification: classify.Verify, Outcome: failed(executor.ExecutionError)},
	})

	require.Equal(t, TotalFailure, out.Kind)
	assert.Equal(t, "executor_timeout, executor_error", out.Reason())
}

func TestFormatUSD(t *testing.T) {
	tests := map[string]string{
		"0":           "$0.00",
		"5":           "$5.00",
		"179.73":      "$179.73",
		"4948.8":      "$4,948.80",
		"1234567.891": "$1,234,567.89",
		"999.995":     "$1,000.00",
		"-12.5":       "-$12.50",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatUSD(decimal.RequireFromString(in)), in)
	}
}
