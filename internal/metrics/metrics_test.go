package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/pipeline"
	"github.com/creditbot/internal/state"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.MessageHandled("success", false)
	r.MessageHandled("success", false)
	r.MessageHandled("no_reference", true)
	r.ReferenceExecuted(executor.Success(decimal.NewFromInt(5)), 2*time.Second)
	r.ReferenceExecuted(executor.Fail(executor.Timeout, ""), 10*time.Minute)
	r.DispatchFailed()
	r.RunFinished(pipeline.RunReport{Started: time.Unix(1700000000, 0), Duration: 3 * time.Second})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.messages.WithLabelValues("success", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.messages.WithLabelValues("no_reference", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.references.WithLabelValues("executor_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatchFails))
	assert.Equal(t, 1700000003.0, testutil.ToFloat64(r.lastRun))
}

func TestLedgerCollector(t *testing.T) {
	store := state.NewStore(state.NewMemoryBackend())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Record(ctx, id, state.Summary{Kind: "success"})
		require.NoError(t, err)
	}

	expected := `
# HELP creditbot_ledger_entries Entries currently held in the processed-message ledger
# TYPE creditbot_ledger_entries gauge
creditbot_ledger_entries 3
# HELP creditbot_ledger_processed_total Messages ever recorded in the ledger
# TYPE creditbot_ledger_processed_total counter
creditbot_ledger_processed_total 3
`
	err := testutil.CollectAndCompare(NewLedgerCollector(store), strings.NewReader(expected),
		"creditbot_ledger_entries", "creditbot_ledger_processed_total")
	require.NoError(t, err)
}
