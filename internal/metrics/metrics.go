// Package metrics exports gateway counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydesk/imgateway/internal/channel"
)

const namespace = "imgateway"

// Observer implements channel.Observer on top of Prometheus collectors.
type Observer struct {
	gatherer prometheus.Gatherer

	inbound    *prometheus.CounterVec
	outbound   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	connected  *prometheus.GaugeVec
}

var _ channel.Observer = (*Observer)(nil)

// NewObserver registers the gateway collectors on reg. A nil reg uses a
// fresh registry, which Handler then serves.
func NewObserver(reg *prometheus.Registry) (*Observer, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := &Observer{
		gatherer: reg,
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound platform events by outcome.",
		}, []string{"platform", "outcome"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound text and media sends by result.",
		}, []string{"platform", "kind", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts.",
		}, []string{"platform"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Supervisor events dropped because a subscriber was full.",
		}, []string{"platform"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected",
			Help:      "1 when the platform gateway is connected.",
		}, []string{"platform"}),
	}
	for _, c := range []prometheus.Collector{o.inbound, o.outbound, o.reconnects, o.dropped, o.connected} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register gateway metrics: %w", err)
		}
	}
	return o, nil
}

func (o *Observer) InboundEvent(platform channel.ChannelType, outcome string) {
	o.inbound.WithLabelValues(platform.String(), outcome).Inc()
}

func (o *Observer) OutboundSent(platform channel.ChannelType, kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	o.outbound.WithLabelValues(platform.String(), kind, result).Inc()
}

func (o *Observer) ReconnectScheduled(platform channel.ChannelType) {
	o.reconnects.WithLabelValues(platform.String()).Inc()
}

func (o *Observer) ConnectionState(platform channel.ChannelType, connected bool) {
	value := 0.0
	if connected {
		value = 1
	}
	o.connected.WithLabelValues(platform.String()).Set(value)
}

func (o *Observer) EventDropped(platform channel.ChannelType) {
	o.dropped.WithLabelValues(platform.String()).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}
