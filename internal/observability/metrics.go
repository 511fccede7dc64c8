package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the round ledger.
type Metrics struct {
	StakesRecorded      *prometheus.CounterVec
	StakesRejected      *prometheus.CounterVec
	StakeVolume         *prometheus.CounterVec
	RoundsOpened        prometheus.Counter
	RoundsLocked        prometheus.Counter
	RoundsResolved      *prometheus.CounterVec
	RoundsFrozen        prometheus.Counter
	StakesVoided        prometheus.Counter
	SettlementDuration  prometheus.Histogram
	SettlementDust      prometheus.Counter
	PlatformFees        prometheus.Counter
	Claims              *prometheus.CounterVec
	EmergencyWithdrawal prometheus.Counter
	OracleFetches       *prometheus.CounterVec
	OracleLatency       prometheus.Histogram
	EventsEmitted       *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	WSClients           prometheus.Gauge
}

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		StakesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_stakes_recorded_total",
			Help: "Stakes accepted into a round pool",
		}, []string{"direction"}),
		StakesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_stakes_rejected_total",
			Help: "Stake submissions rejected, by error code",
		}, []string{"code"}),
		StakeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_stake_volume_base_units_total",
			Help: "Staked amount in token base units",
		}, []string{"direction"}),
		RoundsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_opened_total",
			Help: "Rounds opened",
		}),
		RoundsLocked: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_locked_total",
			Help: "Rounds transitioned to locked",
		}),
		RoundsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_resolved_total",
			Help: "Rounds resolved, by winning direction",
		}, []string{"winning_direction"}),
		RoundsFrozen: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_frozen_total",
			Help: "Rounds frozen after an invariant violation",
		}),
		StakesVoided: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_stakes_voided_total",
			Help: "Stakes still unverified when their round resolved",
		}),
		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rounds_settlement_duration_seconds",
			Help:    "Time spent in the resolution transaction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		SettlementDust: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_settlement_dust_base_units_total",
			Help: "Integer-division residue retained by the platform",
		}),
		PlatformFees: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_platform_fees_base_units_total",
			Help: "Platform fees fixed at resolution",
		}),
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_claims_total",
			Help: "Claim attempts by outcome",
		}, []string{"outcome"}),
		EmergencyWithdrawal: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_emergency_withdrawals_total",
			Help: "Emergency withdrawals performed",
		}),
		OracleFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_oracle_fetches_total",
			Help: "Price oracle fetches by outcome",
		}, []string{"outcome"}),
		OracleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rounds_oracle_fetch_duration_seconds",
			Help:    "Price oracle fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_events_emitted_total",
			Help: "Outbound notification messages by type",
		}, []string{"type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "rounds_events_dropped_total",
			Help: "Notification messages dropped by a full queue or a failing sink",
		}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "rounds_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}
