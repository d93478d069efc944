package track

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var heapUsedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chronicler_heap_used_bytes",
	Help: "heap bytes in use at the last sample",
})

var rssGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chronicler_rss_bytes",
	Help: "resident set size at the last sample",
})

var cpuGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chronicler_cpu_percent",
	Help: "process cpu usage percent at the last sample",
})

var loopLatencyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chronicler_loop_latency_ms",
	Help: "deviation between scheduled and observed sampler ticks",
})

var requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chronicler_requests_total",
	Help: "counter of completed inbound requests",
}, []string{"method", "status"})

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chronicler_errors_total",
	Help: "counter of distinct captured errors, by kind",
}, []string{"kind"})
