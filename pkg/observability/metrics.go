package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Credential metrics
	KeyValidationsTotal *prometheus.CounterVec
	KeyCacheHitsTotal   prometheus.Counter
	KeyCacheMissesTotal prometheus.Counter
	ActiveKeys          prometheus.Gauge

	// Rate limit metrics
	RateLimitDenialsTotal *prometheus.CounterVec
	RateLimitCounters     prometheus.Gauge

	// Webhook metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookDeliveryLatency prometheus.Histogram
	WebhookQueueDepth      prometheus.Gauge
	WebhookQueueDropsTotal prometheus.Counter
	WebhookRetriesPending  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of API requests by resource, action and result code",
			},
			[]string{"resource", "action", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "action"},
		),
		KeyValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_validations_total",
				Help: "API key validation outcomes",
			},
			[]string{"result"},
		),
		KeyCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_cache_hits_total",
			Help: "Validation cache hits",
		}),
		KeyCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_cache_misses_total",
			Help: "Validation cache misses",
		}),
		ActiveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_keys",
			Help: "Number of active API keys",
		}),
		RateLimitDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_denials_total",
				Help: "Rate limit denials by tier",
			},
			[]string{"tier"},
		),
		RateLimitCounters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rate_limit_counters",
			Help: "Live rate limit counters held in memory",
		}),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		WebhookDeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_webhook_delivery_duration_seconds",
			Help:    "Webhook delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_webhook_queue_depth",
			Help: "Pending deliveries in the dispatch queue",
		}),
		WebhookQueueDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_webhook_queue_drops_total",
			Help: "Deliveries dropped because the dispatch queue was full",
		}),
		WebhookRetriesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_webhook_retries_pending",
			Help: "Deliveries waiting in the retry scheduler",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.KeyValidationsTotal,
		m.KeyCacheHitsTotal,
		m.KeyCacheMissesTotal,
		m.ActiveKeys,
		m.RateLimitDenialsTotal,
		m.RateLimitCounters,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryLatency,
		m.WebhookQueueDepth,
		m.WebhookQueueDropsTotal,
		m.WebhookRetriesPending,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
