package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_connected_agents",
		Help: "Number of Agent connections currently established.",
	})
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_connect_attempts_total",
		Help: "Total handshake attempts by outcome.",
	}, []string{"outcome"})
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_reconnects_total",
		Help: "Total number of connection supervisor redial attempts.",
	})
	RPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_rpc_total",
		Help: "Total RPC calls by outcome.",
	}, []string{"outcome"})
	RPCDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetd_rpc_duration_seconds",
		Help:    "Duration of RPC calls from request to terminal response.",
		Buckets: prometheus.DefBuckets,
	})
	TerminalSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_terminal_sessions",
		Help: "Number of terminal sessions currently open.",
	})
	TerminalBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_terminal_bytes_total",
		Help: "Total terminal bytes transferred by direction.",
	}, []string{"direction"})
	ActionBusyRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_action_busy_rejections_total",
		Help: "Total mutating operations rejected because the resource was already busy.",
	})
	KeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_key_rotations_total",
		Help: "Total private key rotations performed.",
	})
)
