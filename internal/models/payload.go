package models

import "time"

// MessageType tags every published payload envelope.
type MessageType string

const (
	MessageTypeSensorData   MessageType = "sensor_data"
	MessageTypeSensorStatus MessageType = "sensor_status"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeDebug        MessageType = "debug"
)

// Client status values published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Status reasons. The will message carries ReasonUnexpectedDisconnect
// so the broker reports it if the client vanishes without a clean
// disconnect.
const (
	ReasonConnected            = "connected"
	ReasonGracefulDisconnect   = "graceful_disconnect"
	ReasonUnexpectedDisconnect = "unexpected_disconnect"
)

// SensorDataPayload is the envelope for one published reading.
type SensorDataPayload struct {
	SensorID    string         `json:"sensor_id"`
	ClientID    string         `json:"client_id"`
	Data        *SensorReading `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	MessageType MessageType    `json:"message_type"`
}

// StatusPayload announces client connectivity. Published retained so
// new subscribers immediately see the last known state.
type StatusPayload struct {
	ClientID    string      `json:"client_id"`
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	Reason      string      `json:"reason,omitempty"`
	MessageType MessageType `json:"message_type"`
}

// HeartbeatPayload is the periodic liveness announcement.
type HeartbeatPayload struct {
	ClientID    string      `json:"client_id"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageType MessageType `json:"message_type"`
}

// DebugPayload carries free-form diagnostic messages.
type DebugPayload struct {
	ClientID    string         `json:"client_id"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	MessageType MessageType    `json:"message_type"`
}
