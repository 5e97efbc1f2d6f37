package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )

    // EngineSwapsProposed counts candidate swaps the local-search engine
    // actually scored (a row-cost cache hit never reaches the evaluator, so
    // this undercounts raw enumeration but tracks evaluator load directly).
    EngineSwapsProposed = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "engine_swaps_proposed_total", Help: "Candidate swaps scored by the local-search engine's evaluator."},
        []string{"policy"},
    )
    // EngineSwapsAccepted counts swaps the engine actually applied.
    EngineSwapsAccepted = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "engine_swaps_accepted_total", Help: "Swaps accepted by the local-search engine."},
        []string{"policy"},
    )
    // EngineSearchDuration tracks wall-clock time of a full search run.
    EngineSearchDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "engine_search_duration_seconds", Help: "Local-search engine run duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"policy"},
    )
    // EngineCancellations counts runs that ended via context cancellation.
    EngineCancellations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "engine_cancellations_total", Help: "Local-search engine runs that ended via cancellation."},
        []string{"policy"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        Registry.MustRegister(EngineSwapsProposed)
        Registry.MustRegister(EngineSwapsAccepted)
        Registry.MustRegister(EngineSearchDuration)
        Registry.MustRegister(EngineCancellations)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
