// Package metrics defines and registers all custom Prometheus metrics for the
// school API. It is the single source of truth for metric names, labels, and
// help strings.
//
// Metrics are registered with the default Prometheus registry on package
// initialisation via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "school"

// ── Authentication ────────────────────────────────────────────────────────────

// AuthFailuresTotal counts rejected credentials.
// Labels:
//   - reason: "missing", "invalid", "forbidden", "bad_login"
//   - surface: "http" or "realtime"
var AuthFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Total number of rejected credentials, by reason and surface.",
	},
	[]string{"reason", "surface"},
)

// TokensIssuedTotal counts signed credentials.
// Label:
//   - kind: "login" or "refresh"
var TokensIssuedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Total number of credentials issued.",
	},
	[]string{"kind"},
)

// ── Transport policy ──────────────────────────────────────────────────────────

// PolicyRejectionsTotal counts requests refused before routing.
// Label:
//   - reason: "insecure_transport" or "origin_not_allowed"
var PolicyRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_rejections_total",
		Help:      "Total number of requests rejected by the transport policy.",
	},
	[]string{"reason"},
)

// ── Seeding ───────────────────────────────────────────────────────────────────

// SeedRunsTotal counts role seeding runs.
// Label:
//   - outcome: "ok" or "degraded"
var SeedRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "seed_runs_total",
		Help:      "Total number of role seeding runs, by outcome.",
	},
	[]string{"outcome"},
)

// ── Realtime ──────────────────────────────────────────────────────────────────

// RealtimeConnections is the number of currently open realtime connections.
var RealtimeConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_connections",
		Help:      "Current number of open realtime connections.",
	},
)

// RealtimeClosuresTotal counts realtime connection terminations.
// Label:
//   - reason: close reason (e.g. "credential_expired", "client_closed")
var RealtimeClosuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_closures_total",
		Help:      "Total number of realtime connections closed, by reason.",
	},
	[]string{"reason"},
)

// NotificationsDeliveredTotal counts dispatched notifications.
// Label:
//   - result: "delivered" (at least one recipient), "no_recipient", "dropped"
var NotificationsDeliveredTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_delivered_total",
		Help:      "Total number of notifications processed by the dispatcher, by result.",
	},
	[]string{"result"},
)

// NotificationsQueueDepth tracks pending notifications per dispatcher worker.
// Label:
//   - worker_id: numeric worker index
var NotificationsQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notifications_queue_depth",
		Help:      "Current number of notifications pending in each dispatcher worker channel.",
	},
	[]string{"worker_id"},
)
