package broker

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/models"
)

const (
	defaultQoS     byte = 1
	publishTimeout      = 5 * time.Second
	maxBackoff          = 30 * time.Second
)

// Broker is the publishing surface the agent depends on. It is
// implemented by the MQTT-backed Client and by MockBroker.
type Broker interface {
	// Connect establishes the broker session. On failure the client
	// stays disconnected.
	Connect() error

	// Disconnect deliberately tears the session down. Safe to call when
	// already disconnected; the client is not reusable afterwards.
	Disconnect()

	// PublishSensorData publishes one reading on the data topic.
	PublishSensorData(sensorID string, reading *models.SensorReading) bool

	// PublishStatus publishes a retained connectivity announcement.
	PublishStatus(status, reason string) bool

	// PublishHeartbeat publishes a liveness message.
	PublishHeartbeat() bool

	// PublishDebug publishes a free-form diagnostic message.
	PublishDebug(message string, data map[string]any) bool

	// IsConnected reports the current connection state.
	IsConnected() bool

	// Status returns an observability snapshot.
	Status() Status
}

// Status is the client snapshot exposed to the agent and the
// inspection surface.
type Status struct {
	ClientID          string `json:"client_id"`
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	BrokerHost        string `json:"broker_host"`
	BrokerPort        int    `json:"broker_port"`
}

// Callbacks are the lifecycle hooks the owning component may register.
// All of them are invoked synchronously from the MQTT network
// goroutine, so they must not block and must be safe to call
// concurrently with the publish path.
type Callbacks struct {
	OnConnect      func()
	OnDisconnect   func()
	OnMessage      func(topic string, payload []byte)
	OnConfigUpdate func(update map[string]any)
}

// transport is the subset of the paho client the Client drives.
// Narrowed to an interface so tests can inject a fake.
type transport interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// Client owns the connection lifecycle to the MQTT broker: connect
// with a pre-registered last will, counted reconnection with capped
// exponential backoff, a background heartbeat, and the structured
// publish helpers.
type Client struct {
	cfg       config.BrokerConfig
	clientID  string
	callbacks Callbacks
	logger    zerolog.Logger

	// mu guards the connection-state fields, which are written from the
	// network goroutine's callbacks and read from the poll and
	// heartbeat goroutines.
	mu                sync.Mutex
	connected         bool
	stopping          bool
	reconnectAttempts int
	heartbeatOn       bool

	pc       transport
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// newTransport and backoff are replaced in tests.
	newTransport func(*mqtt.ClientOptions) transport
	backoff      func(attempt int) time.Duration
}

// GenerateClientID produces the default client identity.
func GenerateClientID() string {
	return "iot_client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewClient creates a broker client. An empty clientID gets a
// generated one. The client does not touch the network until Connect.
func NewClient(cfg config.BrokerConfig, clientID string, callbacks Callbacks, logger zerolog.Logger) *Client {
	if clientID == "" {
		clientID = GenerateClientID()
	}
	return &Client{
		cfg:       cfg,
		clientID:  clientID,
		callbacks: callbacks,
		logger:    logger.With().Str("client_id", clientID).Logger(),
		stopChan:  make(chan struct{}),
		newTransport: func(opts *mqtt.ClientOptions) transport {
			return mqtt.NewClient(opts)
		},
		backoff: backoffDelay,
	}
}

// ClientID returns the stable client identity.
func (c *Client) ClientID() string {
	return c.clientID
}

// Connect establishes the session. The last-will payload is registered
// before the transport connect so the broker announces an unexpected
// disconnect even if this process dies immediately after. Returns an
// error if the transport connect or the connect acknowledgment fails;
// the client then remains disconnected with no automatic retry.
func (c *Client) Connect() error {
	opts, err := c.clientOptions()
	if err != nil {
		return err
	}

	c.pc = c.newTransport(opts)

	c.logger.Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).
		Msg("Connecting to MQTT broker")

	token := c.pc.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to %s:%d: timeout after %s", c.cfg.Host, c.cfg.Port, c.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	return nil
}

func (c *Client) clientOptions() (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if c.cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)).
		SetClientID(c.clientID).
		SetKeepAlive(c.cfg.Keepalive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetCleanSession(true).
		// Reconnection is this client's own counted state machine.
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	if c.cfg.UseTLS {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	will, err := json.Marshal(models.StatusPayload{
		ClientID:    c.clientID,
		Status:      models.StatusOffline,
		Timestamp:   time.Now(),
		Reason:      models.ReasonUnexpectedDisconnect,
		MessageType: models.MessageTypeSensorStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal will payload: %w", err)
	}
	opts.SetBinaryWill(StatusTopic(c.clientID), will, defaultQoS, true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg.Topic(), msg.Payload())
	})

	return opts, nil
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.cfg.CACert != "" {
		pem, err := os.ReadFile(c.cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	}

	if c.cfg.CertFile != "" && c.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// handleConnect runs on the network goroutine after a successful
// connect acknowledgment, on first connect and on every reconnect.
func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to MQTT broker")

	c.subscribe(ConfigTopic(c.clientID), defaultQoS)
	c.PublishStatus(models.StatusOnline, models.ReasonConnected)
	c.startHeartbeat()

	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}
}

// handleConnectionLost runs on the network goroutine when an
// established session drops. A deliberate Disconnect suppresses the
// reconnect path.
func (c *Client) handleConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	stopping := c.stopping
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("Disconnected from MQTT broker")

	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect()
	}

	if !stopping {
		go c.reconnectLoop()
	}
}

// reconnectLoop drives reconnection with capped exponential backoff.
// It runs on its own goroutine so the backoff sleep never blocks a
// publishing thread, and the sleep is interruptible by Disconnect.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.stopping || c.connected {
			c.mu.Unlock()
			return
		}
		if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
			attempts := c.reconnectAttempts
			c.mu.Unlock()
			c.logger.Error().Int("attempts", attempts).
				Msg("Max reconnection attempts reached, giving up")
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		delay := c.backoff(attempt)
		c.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("Waiting before reconnect")

		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}

		token := c.pc.Connect()
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() == nil {
			// handleConnect has reset the attempt counter.
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
		} else {
			c.logger.Warn().Int("attempt", attempt).Msg("Reconnect timed out")
		}
	}
}

// backoffDelay returns min(30s, 2^attempt seconds) for 1-based
// attempt numbers.
func backoffDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// startHeartbeat starts the heartbeat goroutine once. Subsequent
// connects find it already running; it stops only on deliberate
// disconnect.
func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.heartbeatOn {
		c.mu.Unlock()
		return
	}
	c.heartbeatOn = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.heartbeatLoop()
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.IsConnected() {
				c.PublishHeartbeat()
			}
		}
	}
}

// Disconnect deliberately tears the session down: suppresses the
// reconnect path, stops the heartbeat, publishes a retained offline
// status while still connected, and closes the transport. Idempotent.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		c.mu.Unlock()

		close(c.stopChan)
		c.wg.Wait()

		if c.IsConnected() {
			c.PublishStatus(models.StatusOffline, models.ReasonGracefulDisconnect)
		}

		if c.pc != nil {
			c.pc.Disconnect(250)
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.logger.Info().Msg("Disconnected from MQTT broker")
	})
}

// Publish serializes payload as JSON and submits it at the given QoS.
// Fail-fast: returns false without queuing when disconnected or when
// serialization or submission fails.
func (c *Client) Publish(topic string, payload any, qos byte, retain bool) bool {
	if !c.IsConnected() {
		c.logger.Warn().Str("topic", topic).Msg("Not connected, dropping publish")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal payload")
		return false
	}

	token := c.pc.Publish(topic, qos, retain, data)
	if !token.WaitTimeout(publishTimeout) {
		c.logger.Error().Str("topic", topic).Msg("Publish timed out")
		return false
	}
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish")
		return false
	}

	c.logger.Debug().Str("topic", topic).Uint8("qos", qos).Bool("retain", retain).
		Msg("Published")
	return true
}

// PublishSensorData publishes one reading on the data topic.
func (c *Client) PublishSensorData(sensorID string, reading *models.SensorReading) bool {
	payload := models.SensorDataPayload{
		SensorID:    sensorID,
		ClientID:    c.clientID,
		Data:        reading,
		Timestamp:   time.Now(),
		MessageType: models.MessageTypeSensorData,
	}
	return c.Publish(DataTopic(c.clientID), payload, defaultQoS, false)
}

// PublishStatus publishes a retained connectivity announcement.
func (c *Client) PublishStatus(status, reason string) bool {
	payload := models.StatusPayload{
		ClientID:    c.clientID,
		Status:      status,
		Timestamp:   time.Now(),
		Reason:      reason,
		MessageType: models.MessageTypeSensorStatus,
	}
	return c.Publish(StatusTopic(c.clientID), payload, defaultQoS, true)
}

// PublishHeartbeat publishes a liveness message.
func (c *Client) PublishHeartbeat() bool {
	payload := models.HeartbeatPayload{
		ClientID:    c.clientID,
		Timestamp:   time.Now(),
		MessageType: models.MessageTypeHeartbeat,
	}
	return c.Publish(HeartbeatTopic(c.clientID), payload, defaultQoS, false)
}

// PublishDebug publishes a free-form diagnostic message.
func (c *Client) PublishDebug(message string, data map[string]any) bool {
	if data == nil {
		data = map[string]any{}
	}
	payload := models.DebugPayload{
		ClientID:    c.clientID,
		Message:     message,
		Data:        data,
		Timestamp:   time.Now(),
		MessageType: models.MessageTypeDebug,
	}
	return c.Publish(DebugTopic(c.clientID), payload, defaultQoS, false)
}

func (c *Client) subscribe(topic string, qos byte) bool {
	token := c.pc.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(publishTimeout) {
		c.logger.Error().Str("topic", topic).Msg("Subscribe timed out")
		return false
	}
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe")
		return false
	}
	c.logger.Info().Str("topic", topic).Msg("Subscribed")
	return true
}

// handleMessage runs on the network goroutine for every inbound
// message. Config-topic payloads are decoded and routed to the
// config-update handler; everything else goes to the generic message
// callback verbatim. Malformed payloads are logged and dropped.
func (c *Client) handleMessage(topic string, payload []byte) {
	c.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).
		Msg("Message received")

	if topic == ConfigTopic(c.clientID) {
		var update map[string]any
		if err := json.Unmarshal(payload, &update); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).
				Msg("Malformed config payload dropped")
			return
		}
		c.logger.Info().Msg("Received configuration update")
		if c.callbacks.OnConfigUpdate != nil {
			c.callbacks.OnConfigUpdate(update)
		}
		return
	}

	if c.callbacks.OnMessage != nil {
		c.callbacks.OnMessage(topic, payload)
	}
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status returns an observability snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ClientID:          c.clientID,
		Connected:         c.connected,
		ReconnectAttempts: c.reconnectAttempts,
		BrokerHost:        c.cfg.Host,
		BrokerPort:        c.cfg.Port,
	}
}
