package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_streams_active",
		Help: "Currently active search streams",
	})

	StreamsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_streams_total",
		Help: "Total search streams relayed",
	})

	ChatStreamsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chat_streams_total",
		Help: "Total chat streams relayed",
	})

	FramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_forwarded_total",
		Help: "Units forwarded downstream: frames in reparse mode, raw chunks in passthrough",
	}, []string{"mode"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_stage_duration_seconds",
		Help:    "Per-stage latency observed while reparsing",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_stream_duration_seconds",
		Help:    "End-to-end stream duration from upstream connect to close",
		Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Error counts by component",
	}, []string{"component", "kind"})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_proxy_requests_total",
		Help: "Record requests proxied upstream",
	}, []string{"route"})

	WSClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_clients_active",
		Help: "Currently connected websocket bridge clients",
	})

	UpstreamUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upstream_up",
		Help: "1 when the last upstream health poll succeeded",
	})
)
