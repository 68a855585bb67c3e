// Package metrics exposes pipeline activity and ledger size to Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/pipeline"
	"github.com/creditbot/internal/state"
)

// Recorder implements pipeline.Observer with Prometheus collectors.
type Recorder struct {
	messages      *prometheus.CounterVec
	references    *prometheus.CounterVec
	execDuration  prometheus.Histogram
	dispatchFails prometheus.Counter
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastRun       prometheus.Gauge
}

var _ pipeline.Observer = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditbot_messages_total",
			Help: "Messages recorded, by outcome",
		}, []string{"outcome", "dry_run"}),
		references: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditbot_references_executed_total",
			Help: "Verify references sent to the compute executor, by result",
		}, []string{"result"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditbot_execution_duration_seconds",
			Help:    "Time spent executing one reference",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		dispatchFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditbot_dispatch_failures_total",
			Help: "Replies or notifications that could not be delivered",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditbot_runs_total",
			Help: "Completed pipeline runs",
		}, []string{"dry_run"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditbot_run_duration_seconds",
			Help:    "Wall time of a pipeline run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditbot_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	reg.MustRegister(r.messages, r.references, r.execDuration, r.dispatchFails, r.runs, r.runDuration, r.lastRun)
	return r
}

func (r *Recorder) MessageHandled(kind string, dryRun bool) {
	r.messages.WithLabelValues(kind, strconv.FormatBool(dryRun)).Inc()
}

func (r *Recorder) ReferenceExecuted(outcome executor.Outcome, elapsed time.Duration) {
	result := "success"
	if !outcome.OK() {
		result = string(outcome.Failure.Kind)
	}
	r.references.WithLabelValues(result).Inc()
	r.execDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) DispatchFailed() {
	r.dispatchFails.Inc()
}

func (r *Recorder) RunFinished(report pipeline.RunReport) {
	r.runs.WithLabelValues(strconv.FormatBool(report.DryRun)).Inc()
	r.runDuration.Observe(report.Duration.Seconds())
	r.lastRun.Set(float64(report.Started.Add(report.Duration).Unix()))
}

var (
	ledgerEntriesDesc = prometheus.NewDesc(
		"creditbot_ledger_entries",
		"Entries currently held in the processed-message ledger",
		nil, nil,
	)
	ledgerProcessedDesc = prometheus.NewDesc(
		"creditbot_ledger_processed_total",
		"Messages ever recorded in the ledger",
		nil, nil,
	)
	ledgerLastCheckDesc = prometheus.NewDesc(
		"creditbot_ledger_last_check_timestamp_seconds",
		"Unix time of the last completed poll",
		nil, nil,
	)
)

// StatsSource is satisfied by *state.Store.
type StatsSource interface {
	Stats(ctx context.Context) (state.Stats, error)
}

// LedgerCollector reads ledger statistics on each scrape.
type LedgerCollector struct {
	store StatsSource
}

func NewLedgerCollector(store StatsSource) *LedgerCollector {
	return &LedgerCollector{store: store}
}

func (c *LedgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- ledgerEntriesDesc
	ch <- ledgerProcessedDesc
	ch <- ledgerLastCheckDesc
}

func (c *LedgerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.store.Stats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect ledger metrics")
		return
	}
	ch <- prometheus.MustNewConstMetric(ledgerEntriesDesc, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(ledgerProcessedDesc, prometheus.CounterValue, float64(st.TotalProcessed))
	lastCheck := 0.0
	if !st.LastCheck.IsZero() {
		lastCheck = float64(st.LastCheck.Unix())
	}
	ch <- prometheus.MustNewConstMetric(ledgerLastCheckDesc, prometheus.GaugeValue, lastCheck)
}
