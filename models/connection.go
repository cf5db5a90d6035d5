package models

import "time"

// ConnStatus is the lifecycle state of a pooled stream connection.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnReconnecting ConnStatus = "reconnecting"
	// ConnError is terminal: the retry budget is exhausted and the
	// connection will not recover without explicit intervention.
	ConnError ConnStatus = "error"
)

// ConnectionState is a point-in-time snapshot of one pooled slot.
type ConnectionState struct {
	Name              string     `json:"name"`
	Status            ConnStatus `json:"status"`
	LastConnectedAt   time.Time  `json:"last_connected_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LatencyMs         int64      `json:"latency_ms"`
}
