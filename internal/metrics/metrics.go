// Package metrics exposes engine activity to Prometheus and to the log.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/friespotatotissue/please/internal/core"
)

// Namespace prefixes every metric name.
const Namespace = "please"

// StatsSource reports point-in-time engine counts.
type StatsSource interface {
	Stats() core.Stats
}

// Collector counts engine events. It implements core.Observer.
type Collector struct {
	connsOpened   prometheus.Counter
	connsClosed   prometheus.Counter
	envelopes     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	fanout        prometheus.Histogram
	heartbeatKill prometheus.Counter
}

var _ core.Observer = (*Collector)(nil)

// NewCollector registers the event counters on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_opened_total",
			Help:      "Connections accepted by the engine.",
		}),
		connsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_closed_total",
			Help:      "Connections removed from the engine.",
		}),
		envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "envelopes_total",
			Help:      "Inbound envelopes dispatched, by type.",
		}, []string{"type"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or envelopes dropped, by reason.",
		}, []string{"reason"}),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fanout_recipients",
			Help:      "Recipients reached by one broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		heartbeatKill: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "heartbeat_terminations_total",
			Help:      "Connections terminated for missing a heartbeat.",
		}),
	}
}

func (c *Collector) ConnOpened()                { c.connsOpened.Inc() }
func (c *Collector) ConnClosed()                { c.connsClosed.Inc() }
func (c *Collector) EnvelopeHandled(typ string) { c.envelopes.WithLabelValues(typ).Inc() }
func (c *Collector) FrameDropped(reason string) { c.dropped.WithLabelValues(reason).Inc() }
func (c *Collector) Fanout(recipients int)      { c.fanout.Observe(float64(recipients)) }
func (c *Collector) HeartbeatTerminated()       { c.heartbeatKill.Inc() }

// RegisterGauges exposes src's counts as gauges sampled at scrape time.
func RegisterGauges(reg prometheus.Registerer, src StatsSource) {
	factory := promauto.With(reg)
	gauge := func(name, help string, value func(core.Stats) int) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(src.Stats())) })
	}

	gauge("connections", "Live connections.", func(s core.Stats) int { return s.Connections })
	gauge("identities", "Identities seen since start.", func(s core.Stats) int { return s.Identities })
	gauge("identities_connected", "Identities with at least one live connection.", func(s core.Stats) int { return s.ConnectedIdentities })
	gauge("rooms", "Live rooms including the lobby.", func(s core.Stats) int { return s.Rooms })
	gauge("room_list_subscribers", "Connections subscribed to room list updates.", func(s core.Stats) int { return s.Listeners })
}
