package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/models"
)

// New returns the broker client selected by the configuration: the
// MQTT-backed client, or the recording mock when mock_mode is set.
func New(cfg config.BrokerConfig, clientID string, callbacks Callbacks, logger zerolog.Logger) Broker {
	if cfg.MockMode {
		return NewMockBroker(cfg, clientID, callbacks, logger)
	}
	return NewClient(cfg, clientID, callbacks, logger)
}

// PublishedMessage records one publish accepted by the mock broker.
type PublishedMessage struct {
	Topic   string
	Payload any
	Retain  bool
}

// MockBroker is the non-networked Broker used in tests and demo runs
// without a reachable broker. It records every accepted publish.
type MockBroker struct {
	cfg       config.BrokerConfig
	clientID  string
	callbacks Callbacks
	logger    zerolog.Logger

	mu        sync.Mutex
	connected bool
	messages  []PublishedMessage
}

var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates a disconnected mock broker client.
func NewMockBroker(cfg config.BrokerConfig, clientID string, callbacks Callbacks, logger zerolog.Logger) *MockBroker {
	if clientID == "" {
		clientID = GenerateClientID()
	}
	return &MockBroker{
		cfg:       cfg,
		clientID:  clientID,
		callbacks: callbacks,
		logger:    logger.With().Str("client_id", clientID).Logger(),
	}
}

// Connect always succeeds.
func (m *MockBroker) Connect() error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	m.logger.Info().Msg("Mock broker connected")
	m.record(StatusTopic(m.clientID), models.StatusPayload{
		ClientID:    m.clientID,
		Status:      models.StatusOnline,
		Timestamp:   time.Now(),
		Reason:      models.ReasonConnected,
		MessageType: models.MessageTypeSensorStatus,
	}, true)

	if m.callbacks.OnConnect != nil {
		m.callbacks.OnConnect()
	}
	return nil
}

// Disconnect marks the client disconnected. Idempotent.
func (m *MockBroker) Disconnect() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if !wasConnected {
		return
	}
	m.logger.Info().Msg("Mock broker disconnected")
	if m.callbacks.OnDisconnect != nil {
		m.callbacks.OnDisconnect()
	}
}

// PublishSensorData records one reading publish.
func (m *MockBroker) PublishSensorData(sensorID string, reading *models.SensorReading) bool {
	if !m.IsConnected() {
		return false
	}
	m.record(DataTopic(m.clientID), models.SensorDataPayload{
		SensorID:    sensorID,
		ClientID:    m.clientID,
		Data:        reading,
		Timestamp:   time.Now(),
		MessageType: models.MessageTypeSensorData,
	}, false)
	return true
}

// PublishStatus records a connectivity announcement.
func (m *MockBroker) PublishStatus(status, reason string) bool {
	if !m.IsConnected() {
		return false
	}
	m.record(StatusTopic(m.clientID), models.StatusPayload{
		ClientID:    m.clientID,
		Status:      status,
		Timestamp:   time.Now(),
		Reason:      reason,
		MessageType: models.MessageTypeSensorStatus,
	}, true)
	return true
}

// PublishHeartbeat records a liveness message.
func (m *MockBroker) PublishHeartbeat() bool {
	if !m.IsConnected() {
		return false
	}
	m.record(HeartbeatTopic(m.clientID), models.HeartbeatPayload{
		ClientID:    m.clientID,
		Timestamp:   time.Now(),
		MessageType: models.MessageTypeHeartbeat,
	}, false)
	return true
}

// PublishDebug records a diagnostic message.
func (m *MockBroker) PublishDebug(message string, data map[string]any) bool {
	if !m.IsConnected() {
		return false
	}
	if data == nil {
		data = map[string]any{}
	}
	m.record(DebugTopic(m.clientID), models.DebugPayload{
		ClientID:    m.clientID,
		Message:     message,
		Data:        data,
		Timestamp:   time.Now(),
		MessageType: models.MessageTypeDebug,
	}, false)
	return true
}

// SimulateConfigUpdate feeds a configuration update through the
// registered handler, as if it arrived on the config topic.
func (m *MockBroker) SimulateConfigUpdate(update map[string]any) {
	if m.callbacks.OnConfigUpdate != nil {
		m.callbacks.OnConfigUpdate(update)
	}
}

// IsConnected reports the mock connection state.
func (m *MockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Status returns an observability snapshot.
func (m *MockBroker) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ClientID:   m.clientID,
		Connected:  m.connected,
		BrokerHost: m.cfg.Host,
		BrokerPort: m.cfg.Port,
	}
}

// Messages returns a copy of every recorded publish.
func (m *MockBroker) Messages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessagesOn returns the recorded publishes for one topic.
func (m *MockBroker) MessagesOn(topic string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockBroker) record(topic string, payload any, retain bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, PublishedMessage{Topic: topic, Payload: payload, Retain: retain})
}
