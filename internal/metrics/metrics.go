package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubintv_poll_cycles_total",
			Help: "Completed current-state poll cycles per location.",
		},
		[]string{"location"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubintv_poll_errors_total",
			Help: "Failed camera polls by location, camera and error kind.",
		},
		[]string{"location", "camera", "kind"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rubintv_poll_duration_seconds",
			Help:    "Duration of one location poll cycle.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"location"},
	)

	ParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rubintv_key_parse_errors_total",
			Help: "Storage keys rejected by the key parser.",
		},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubintv_notifications_published_total",
			Help: "Envelopes published per service and data type.",
		},
		[]string{"service", "data_type"},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rubintv_delivery_failures_total",
			Help: "Client sends that failed and caused unregistration.",
		},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rubintv_connected_clients",
			Help: "Currently registered real-time clients.",
		},
	)

	ArchiveReloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rubintv_archive_reload_duration_seconds",
			Help:    "Duration of historical archive reloads.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ArchiveReloadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rubintv_archive_reload_errors_total",
			Help: "Historical archive reloads that failed.",
		},
	)

	ArchiveBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rubintv_archive_busy",
			Help: "1 while the historical archive is reloading.",
		},
	)

	ArchiveEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rubintv_archive_events",
			Help: "Events held by the historical archive per location/camera.",
		},
		[]string{"location", "camera"},
	)

	DetectorUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubintv_detector_status_updates_total",
			Help: "Detector status changes published.",
		},
		[]string{"detector"},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubintv_detector_status_errors_total",
			Help: "Detector status read or decode failures.",
		},
		[]string{"kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rubintv_circuit_breaker_state",
			Help: "Object store circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rubintv_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter.",
		},
	)
)
