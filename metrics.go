package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pico_gate"

// Gatekeeper rejection reasons, used as the "reason" label.
const (
	rejectMalformed   = "malformed"
	rejectClient      = "client"
	rejectPasskey     = "passkey"
	rejectRateLimited = "rate_limited"
)

type metrics struct {
	announces        *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	relayed          *prometheus.CounterVec
	relayRetries     prometheus.Counter
	filterItems      prometheus.Gauge
	filterCapacity   prometheus.Gauge
	filterExpansions prometheus.Counter
}

// newMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "announces_total",
			Help:      "Announces applied to the registry, by event.",
		}, []string{"event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_total",
			Help:      "Announces rejected before reaching the registry, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "reports_total",
			Help:      "Announce reports sent to the backend, by result.",
		}, []string{"result"}),
		relayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "retries_total",
			Help:      "Retried backend report attempts.",
		}),
		filterItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "filter",
			Name:      "items",
			Help:      "Passkeys folded into the filter.",
		}),
		filterCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "filter",
			Name:      "capacity",
			Help:      "Passkeys the filter is sized for.",
		}),
		filterExpansions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "filter",
			Name:      "expansions_total",
			Help:      "Completed filter rebuilds.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.announces,
			m.rejected,
			m.relayed,
			m.relayRetries,
			m.filterItems,
			m.filterCapacity,
			m.filterExpansions,
		)
	}
	return m
}

// registerTorrentGauge exposes the live torrent count of r.
func registerTorrentGauge(reg prometheus.Registerer, r *Registry) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "torrents",
		Help:      "Torrents held by the registry.",
	}, func() float64 {
		return float64(r.Len())
	}))
}
