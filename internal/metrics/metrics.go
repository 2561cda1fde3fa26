package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Session metrics
	WSSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubchat_ws_sessions",
			Help: "Open WebSocket sessions on this instance",
		},
	)

	WSEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubchat_ws_events_total",
			Help: "Inbound WebSocket events by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: "ok" or "error"
	)

	SlowClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubchat_ws_slow_clients_dropped_total",
			Help: "Sessions closed because their send buffer was full",
		},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubchat_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"room_kind"}, // "DIRECT" or "GROUP"
	)

	DirectRoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubchat_direct_rooms_created_total",
			Help: "Total direct rooms created",
		},
	)

	TombstonesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubchat_tombstones_applied_total",
			Help: "Messages newly hidden for a user",
		},
	)

	RoomsReactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubchat_rooms_reactivated_total",
			Help: "Rooms whose hide flags were cleared by a new message",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubchat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"scope"},
	)

	// Infrastructure metrics
	BrokerPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubchat_broker_publish_errors_total",
			Help: "Failed publishes to the room broker",
		},
		[]string{"broker"},
	)

	RoomCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubchat_room_cache_lookups_total",
			Help: "Room cache lookups by result",
		},
		[]string{"result"}, // "hit" or "miss"
	)
)
