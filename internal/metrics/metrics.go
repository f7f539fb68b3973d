package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the bot's Prometheus collectors. A nil *Recorder is
// valid and records nothing, so tests can pass nil.
type Recorder struct {
	snapshotAge      *prometheus.GaugeVec
	snapshotStale    *prometheus.GaugeVec
	refreshErrors    *prometheus.CounterVec
	scanCycles       prometheus.Counter
	signalsTotal     *prometheus.CounterVec
	activeBots       prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	exchangeErrors   *prometheus.CounterVec
	orphanPositions  prometheus.Gauge
	syncCycles       prometheus.Counter
	tradesClosed     *prometheus.CounterVec
}

// New registers and returns the bot's collectors
func New() *Recorder {
	return &Recorder{
		snapshotAge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradebot_snapshot_age_seconds",
				Help: "Age of the current indicator snapshot per symbol",
			},
			[]string{"symbol"},
		),
		snapshotStale: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradebot_snapshot_stale",
				Help: "Whether the indicator snapshot is stale (1) or fresh (0)",
			},
			[]string{"symbol"},
		),
		refreshErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradebot_refresh_errors_total",
				Help: "Total indicator refresh failures per symbol",
			},
			[]string{"symbol"},
		),
		scanCycles: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tradebot_scan_cycles_total",
				Help: "Total signal scan cycles completed",
			},
		),
		signalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradebot_signals_total",
				Help: "Total signals generated by direction",
			},
			[]string{"direction"},
		),
		activeBots: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradebot_active_bots",
				Help: "Number of non-terminal bots in the registry",
			},
		),
		stateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradebot_state_transitions_total",
				Help: "Total bot state transitions",
			},
			[]string{"from", "to"},
		),
		exchangeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradebot_exchange_errors_total",
				Help: "Total exchange call failures by operation",
			},
			[]string{"op"},
		),
		orphanPositions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradebot_orphan_positions",
				Help: "Exchange positions with no local bot record, last sync cycle",
			},
		),
		syncCycles: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tradebot_sync_cycles_total",
				Help: "Total position sync cycles completed",
			},
		),
		tradesClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradebot_trades_closed_total",
				Help: "Total closed trades by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordSnapshot records freshness of a symbol's snapshot
func (r *Recorder) RecordSnapshot(symbol string, ageSeconds float64, stale bool) {
	if r == nil {
		return
	}
	r.snapshotAge.WithLabelValues(symbol).Set(ageSeconds)
	staleVal := 0.0
	if stale {
		staleVal = 1.0
	}
	r.snapshotStale.WithLabelValues(symbol).Set(staleVal)
}

// RecordRefreshError counts a failed indicator refresh
func (r *Recorder) RecordRefreshError(symbol string) {
	if r == nil {
		return
	}
	r.refreshErrors.WithLabelValues(symbol).Inc()
}

// RecordScanCycle counts a completed signal scan cycle
func (r *Recorder) RecordScanCycle() {
	if r == nil {
		return
	}
	r.scanCycles.Inc()
}

// RecordSignal counts a generated signal by direction
func (r *Recorder) RecordSignal(direction string) {
	if r == nil {
		return
	}
	r.signalsTotal.WithLabelValues(direction).Inc()
}

// SetActiveBots records the current registry size
func (r *Recorder) SetActiveBots(n int) {
	if r == nil {
		return
	}
	r.activeBots.Set(float64(n))
}

// RecordTransition counts a bot state transition
func (r *Recorder) RecordTransition(from, to string) {
	if r == nil {
		return
	}
	r.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordExchangeError counts a failed exchange call
func (r *Recorder) RecordExchangeError(op string) {
	if r == nil {
		return
	}
	r.exchangeErrors.WithLabelValues(op).Inc()
}

// RecordSyncCycle records the outcome of one position sync cycle
func (r *Recorder) RecordSyncCycle(orphans int) {
	if r == nil {
		return
	}
	r.syncCycles.Inc()
	r.orphanPositions.Set(float64(orphans))
}

// RecordTradeClosed counts a closed trade as a win or loss
func (r *Recorder) RecordTradeClosed(pnl float64) {
	if r == nil {
		return
	}
	outcome := "win"
	if pnl < 0 {
		outcome = "loss"
	}
	r.tradesClosed.WithLabelValues(outcome).Inc()
}
