package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketRoomConnections is the gauge of connections per conversation.
	WebSocketRoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_websocket_room_connections",
		Help: "Number of WebSocket connections per conversation",
	}, []string{"conversation_id"})

	// MessageThroughput counts chat messages processed per conversation and kind.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_message_throughput_total",
		Help: "Total number of chat messages processed",
	}, []string{"conversation_id", "message_type"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// QueuePublishTotal counts jobs published to the broker by topic and result.
	QueuePublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_queue_publish_total",
		Help: "Total number of jobs published to the message broker",
	}, []string{"topic", "result"})

	// DispatchOutcomes counts dispatcher delivery outcomes by channel.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dispatch_outcomes_total",
		Help: "Dispatcher delivery outcomes (sent, retried, failed) by channel",
	}, []string{"channel", "outcome"})

	// DispatchLatency records end-to-end dispatch attempt latency by channel.
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_dispatch_latency_seconds",
		Help:    "Latency of one dispatch attempt in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	// BreakerState exposes the notification RPC circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_breaker_state",
		Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
	}, []string{"upstream"})

	// PresenceFlushEntries counts last-active entries flushed to the database.
	PresenceFlushEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_flush_entries_total",
		Help: "Total number of pending room-activity entries flushed to the database",
	})
)

// DatabaseMetrics wraps DB access for recording query latency.
type DatabaseMetrics struct {
	db *gorm.DB
}

// NewDatabaseMetrics returns a new DatabaseMetrics instance.
func NewDatabaseMetrics(db *gorm.DB) *DatabaseMetrics {
	return &DatabaseMetrics{db: db}
}

// ObserveQuery records the latency of a database query.
func (m *DatabaseMetrics) ObserveQuery(operation, table string, start time.Time) {
	latency := time.Since(start).Seconds()
	DatabaseQueryLatency.WithLabelValues(operation, table).Observe(latency)
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func (m *DatabaseMetrics) TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		m.ObserveQuery(operation, table, start)
	}
}

// WebSocketRoomMetrics tracks WebSocket room and connection counts.
type WebSocketRoomMetrics struct {
	roomCounts map[string]int
}

// NewWebSocketRoomMetrics returns a new WebSocketRoomMetrics instance.
func NewWebSocketRoomMetrics() *WebSocketRoomMetrics {
	return &WebSocketRoomMetrics{
		roomCounts: make(map[string]int),
	}
}

// IncrementRoom increments the connection count for the conversation.
func (m *WebSocketRoomMetrics) IncrementRoom(conversationID string) {
	m.roomCounts[conversationID]++
	WebSocketRoomConnections.WithLabelValues(conversationID).Inc()
}

// DecrementRoom decrements the connection count for the conversation.
func (m *WebSocketRoomMetrics) DecrementRoom(conversationID string) {
	if m.roomCounts[conversationID] > 0 {
		m.roomCounts[conversationID]--
	}
	WebSocketRoomConnections.WithLabelValues(conversationID).Dec()
}

// GetRoomCount returns the current connection count for the conversation.
func (m *WebSocketRoomMetrics) GetRoomCount(conversationID string) int {
	return m.roomCounts[conversationID]
}

// RecordMessage increments message throughput counters.
func (*WebSocketRoomMetrics) RecordMessage(conversationID, messageType string) {
	MessageThroughput.WithLabelValues(conversationID, messageType).Inc()
}

// RecordWebSocketEvent increments the WebSocket events counter for the event type.
func (*WebSocketRoomMetrics) RecordWebSocketEvent(eventType string) {
	WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}
