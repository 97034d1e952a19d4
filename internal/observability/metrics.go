package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sweeps_total", Help: "Dispatch sweeps by result"},
		[]string{"result"},
	)
	SweepDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "sweep_duration_seconds", Help: "Dispatch sweep duration seconds", Buckets: []float64{.05, .25, 1, 5, 30, 120, 600, 1800}})
	BookingsSwept    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "bookings_swept_total", Help: "Due bookings processed by sweeps"})
	BookingsUnfilled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "bookings_unfilled_total", Help: "Bookings that reached the deadline without a driver"})

	RankingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rankings_total", Help: "Candidate rankings by phase used"},
		[]string{"phase"},
	)
	SolicitationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "solicitations_total", Help: "Offer attempts by outcome"},
		[]string{"outcome"},
	)
	SolicitationLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "solicitation_latency_seconds", Help: "Time from offer to resolution", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}})
	CommitsTotal        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "commits_total", Help: "Guarded assignment commits by source and result"},
		[]string{"source", "result"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "booking_transitions_total", Help: "Booking status transitions applied"},
		[]string{"to"},
	)

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})
	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections", Help: "Open realtime connections by role"},
		[]string{"role"},
	)
	LocationPings = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_pings_total", Help: "Driver location pings received"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
