// Package metrics exposes Prometheus collectors for conversation sync.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without branching.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Collector groups every metric the sync engine records.
type Collector struct {
	MessagesMerged        *prometheus.CounterVec
	Reconciliations       prometheus.Counter
	SendFailures          *prometheus.CounterVec
	PollTicks             *prometheus.CounterVec
	PollTicksSkipped      prometheus.Counter
	PresenceProbeFailures prometheus.Counter
	ReadReceiptFailures   prometheus.Counter
	StaleEventsDropped    prometheus.Counter
	ActiveSessions        prometheus.Gauge
}

// New creates a collector and registers it with reg. A nil reg leaves the
// collectors unregistered, which is convenient for tests.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		MessagesMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_merged_total",
			Help:      "Messages added to a conversation store, by source.",
		}, []string{"source"}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Optimistic messages replaced by their confirmed server copy.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed sends, by kind (text, attachment, timeout).",
		}, []string{"kind"}),
		PollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Completed poll ticks, by result.",
		}, []string{"result"}),
		PollTicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_skipped_total",
			Help:      "Poll ticks skipped because the previous tick was still in flight.",
		}),
		PresenceProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_probe_failures_total",
			Help:      "Failed presence probes.",
		}),
		ReadReceiptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_receipt_failures_total",
			Help:      "Failed mark-as-read calls.",
		}),
		StaleEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_dropped_total",
			Help:      "Events discarded because their session was already torn down.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently open conversation sessions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.MessagesMerged,
			c.Reconciliations,
			c.SendFailures,
			c.PollTicks,
			c.PollTicksSkipped,
			c.PresenceProbeFailures,
			c.ReadReceiptFailures,
			c.StaleEventsDropped,
			c.ActiveSessions,
		)
	}
	return c
}

// ObserveMerge records the outcome of one store merge.
func (c *Collector) ObserveMerge(source string, added, reconciled int) {
	if c == nil {
		return
	}
	if added > 0 {
		c.MessagesMerged.WithLabelValues(source).Add(float64(added))
	}
	if reconciled > 0 {
		c.Reconciliations.Add(float64(reconciled))
	}
}

// SendFailed records a failed send of the given kind.
func (c *Collector) SendFailed(kind string) {
	if c == nil {
		return
	}
	c.SendFailures.WithLabelValues(kind).Inc()
}

// PollTick records a finished poll tick with result "ok" or "error".
func (c *Collector) PollTick(result string) {
	if c == nil {
		return
	}
	c.PollTicks.WithLabelValues(result).Inc()
}

// PollSkipped records a tick suppressed by skip-if-busy.
func (c *Collector) PollSkipped() {
	if c == nil {
		return
	}
	c.PollTicksSkipped.Inc()
}

// ProbeFailed records a failed presence probe.
func (c *Collector) ProbeFailed() {
	if c == nil {
		return
	}
	c.PresenceProbeFailures.Inc()
}

// ReceiptFailed records a failed mark-as-read call.
func (c *Collector) ReceiptFailed() {
	if c == nil {
		return
	}
	c.ReadReceiptFailures.Inc()
}

// StaleEvent records an event dropped by the generation guard.
func (c *Collector) StaleEvent() {
	if c == nil {
		return
	}
	c.StaleEventsDropped.Inc()
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}
