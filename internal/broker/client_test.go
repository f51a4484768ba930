package broker

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/models"
)

// fakeToken implements mqtt.Token with an immediate result.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

var _ mqtt.Token = (*fakeToken)(nil)

type fakePublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// fakeTransport is a scriptable transport. connectErrs is consumed one
// entry per Connect call; a nil entry succeeds and fires the client's
// connect handler, like paho does after a good connack.
type fakeTransport struct {
	mu          sync.Mutex
	client      *Client
	connectErrs []error
	connects    int
	disconnects int
	publishes   []fakePublish
	subscribes  []string
	publishErr  error
}

func (f *fakeTransport) Connect() mqtt.Token {
	f.mu.Lock()
	var err error
	if f.connects < len(f.connectErrs) {
		err = f.connectErrs[f.connects]
	}
	f.connects++
	client := f.client
	f.mu.Unlock()

	if err == nil && client != nil {
		client.handleConnect()
	}
	return &fakeToken{err: err}
}

func (f *fakeTransport) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return &fakeToken{err: f.publishErr}
	}
	f.publishes = append(f.publishes, fakePublish{
		topic:   topic,
		payload: payload.([]byte),
		qos:     qos,
		retain:  retained,
	})
	return &fakeToken{}
}

func (f *fakeTransport) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
	return &fakeToken{}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return true
}

func (f *fakeTransport) connectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) published() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakePublish, len(f.publishes))
	copy(out, f.publishes)
	return out
}

func (f *fakeTransport) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribes))
	copy(out, f.subscribes)
	return out
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Host:                 "broker.test",
		Port:                 1883,
		Keepalive:            60 * time.Second,
		ConnectTimeout:       time.Second,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour, // no ticks unless a test wants them
	}
}

// newTestClient wires a client to a fake transport without going
// through Connect, mirroring the state right after NewClient.
func newTestClient(cfg config.BrokerConfig, callbacks Callbacks) (*Client, *fakeTransport) {
	c := NewClient(cfg, "test_client", callbacks, zerolog.Nop())
	f := &fakeTransport{client: c}
	c.pc = f
	c.newTransport = func(*mqtt.ClientOptions) transport { return f }
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c, f
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPublish_WhileDisconnected(t *testing.T) {
	c, f := newTestClient(testBrokerConfig(), Callbacks{})

	reading := models.NewReading("s1", models.SensorTypeMock)
	reading.Temperature = models.Float64(20.0)

	if c.PublishSensorData("s1", reading) {
		t.Error("PublishSensorData should fail while disconnected")
	}
	if c.PublishHeartbeat() {
		t.Error("PublishHeartbeat should fail while disconnected")
	}
	if got := len(f.published()); got != 0 {
		t.Errorf("disconnected publishes produced %d broker messages, want 0", got)
	}
}

func TestHandleConnect_SubscribeAndOnlineStatusBeforeHeartbeat(t *testing.T) {
	var connectFired bool
	c, f := newTestClient(testBrokerConfig(), Callbacks{
		OnConnect: func() { connectFired = true },
	})

	c.handleConnect()

	if !c.IsConnected() {
		t.Fatal("client should be connected after connack")
	}
	if !connectFired {
		t.Error("user connect callback should fire")
	}

	subs := f.subscribed()
	if len(subs) != 1 || subs[0] != ConfigTopic("test_client") {
		t.Errorf("subscribes = %v, want exactly the config topic", subs)
	}

	pubs := f.published()
	if len(pubs) != 1 {
		t.Fatalf("got %d publishes, want exactly the online status (heartbeat must not have ticked)", len(pubs))
	}
	if pubs[0].topic != StatusTopic("test_client") || !pubs[0].retain {
		t.Errorf("first publish = %+v, want retained status", pubs[0])
	}

	var status models.StatusPayload
	if err := json.Unmarshal(pubs[0].payload, &status); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if status.Status != models.StatusOnline || status.Reason != models.ReasonConnected {
		t.Errorf("status payload = %+v, want online/connected", status)
	}
	if status.ClientID != "test_client" || status.MessageType != models.MessageTypeSensorStatus {
		t.Errorf("status envelope = %+v", status)
	}
}

func TestConnectionLost_ReconnectsWithBackoffUntilMax(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.MaxReconnectAttempts = 3

	var disconnects int
	c, f := newTestClient(cfg, Callbacks{
		OnDisconnect: func() { disconnects++ },
	})
	f.connectErrs = []error{
		errors.New("refused"), errors.New("refused"),
		errors.New("refused"), errors.New("refused"),
	}

	var delayMu sync.Mutex
	var delays []time.Duration
	c.backoff = func(attempt int) time.Duration {
		delayMu.Lock()
		delays = append(delays, backoffDelay(attempt))
		delayMu.Unlock()
		return time.Millisecond
	}

	c.handleConnect()
	c.handleConnectionLost(errors.New("broken pipe"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().ReconnectAttempts == 3 && f.connectCalls() == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if disconnects != 1 {
		t.Errorf("disconnect callback fired %d times, want 1", disconnects)
	}

	st := c.Status()
	if st.Connected {
		t.Error("client should stay disconnected after exhausting attempts")
	}
	if st.ReconnectAttempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", st.ReconnectAttempts)
	}
	if got := f.connectCalls(); got != 3 {
		t.Errorf("transport connects = %d, want 3", got)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	delayMu.Lock()
	defer delayMu.Unlock()
	if len(delays) != len(want) {
		t.Fatalf("backoff consulted %d times, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay before attempt %d = %v, want %v", i+1, delays[i], want[i])
		}
	}

	// No further attempts after giving up.
	time.Sleep(50 * time.Millisecond)
	if got := f.connectCalls(); got != 3 {
		t.Errorf("transport connects after giving up = %d, want 3", got)
	}
}

func TestConnectionLost_SuccessfulReconnectResetsAttempts(t *testing.T) {
	c, f := newTestClient(testBrokerConfig(), Callbacks{})
	f.connectErrs = []error{errors.New("refused"), nil}

	c.handleConnect()
	c.handleConnectionLost(errors.New("broken pipe"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := c.Status()
	if !st.Connected {
		t.Fatal("client should reconnect")
	}
	if st.ReconnectAttempts != 0 {
		t.Errorf("reconnect attempts after success = %d, want 0", st.ReconnectAttempts)
	}
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	c, f := newTestClient(testBrokerConfig(), Callbacks{})

	c.handleConnect()
	calls := f.connectCalls()
	c.Disconnect()

	// The transport may still report a non-clean disconnect afterwards.
	c.handleConnectionLost(errors.New("connection reset"))
	time.Sleep(50 * time.Millisecond)

	if got := f.connectCalls(); got != calls {
		t.Errorf("reconnect ran after deliberate disconnect: %d connects, want %d", got, calls)
	}
	if c.IsConnected() {
		t.Error("client should report disconnected")
	}
}

func TestDisconnect_PublishesGracefulOfflineAndIsIdempotent(t *testing.T) {
	c, f := newTestClient(testBrokerConfig(), Callbacks{})
	c.handleConnect()

	c.Disconnect()
	c.Disconnect()

	var offline []models.StatusPayload
	for _, p := range f.published() {
		if p.topic != StatusTopic("test_client") {
			continue
		}
		var status models.StatusPayload
		if err := json.Unmarshal(p.payload, &status); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if status.Status == models.StatusOffline {
			offline = append(offline, status)
		}
	}

	if len(offline) != 1 {
		t.Fatalf("got %d offline publishes, want 1", len(offline))
	}
	if offline[0].Reason != models.ReasonGracefulDisconnect {
		t.Errorf("offline reason = %q, want graceful_disconnect", offline[0].Reason)
	}
	if f.disconnects != 1 {
		t.Errorf("transport disconnects = %d, want 1", f.disconnects)
	}
}

func TestHeartbeat_PublishesWhileConnected(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond

	c, f := newTestClient(cfg, Callbacks{})
	c.handleConnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.published()) >= 3 { // online status + 2 heartbeats
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Disconnect()

	var heartbeats int
	for _, p := range f.published() {
		if p.topic != HeartbeatTopic("test_client") {
			continue
		}
		heartbeats++
		var hb models.HeartbeatPayload
		if err := json.Unmarshal(p.payload, &hb); err != nil {
			t.Fatalf("unmarshal heartbeat: %v", err)
		}
		if hb.MessageType != models.MessageTypeHeartbeat || hb.ClientID != "test_client" {
			t.Errorf("heartbeat envelope = %+v", hb)
		}
	}
	if heartbeats < 2 {
		t.Errorf("got %d heartbeats, want at least 2", heartbeats)
	}
}

func TestPublish_TransportFailure(t *testing.T) {
	c, f := newTestClient(testBrokerConfig(), Callbacks{})
	c.handleConnect()
	f.publishErr = errors.New("packet too large")

	if c.PublishHeartbeat() {
		t.Error("publish should report transport failure")
	}
}

func TestPublish_SerializationFailure(t *testing.T) {
	c, _ := newTestClient(testBrokerConfig(), Callbacks{})
	c.handleConnect()

	if c.Publish("sensors/test_client/debug", make(chan int), 1, false) {
		t.Error("publish of an unserializable payload should fail")
	}
}

func TestPublishSensorData_Envelope(t *testing.T) {
	c, f := newTestClient(testBrokerConfig(), Callbacks{})
	c.handleConnect()

	reading := models.NewReading("s1", models.SensorTypeDHT11)
	reading.Temperature = models.Float64(22.5)

	if !c.PublishSensorData("s1", reading) {
		t.Fatal("publish failed")
	}

	pubs := f.published()
	last := pubs[len(pubs)-1]
	if last.topic != DataTopic("test_client") || last.retain {
		t.Errorf("data publish = %+v, want non-retained data topic", last)
	}

	var env models.SensorDataPayload
	if err := json.Unmarshal(last.payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.SensorID != "s1" || env.ClientID != "test_client" {
		t.Errorf("envelope identity = %+v", env)
	}
	if env.MessageType != models.MessageTypeSensorData {
		t.Errorf("message type = %s, want sensor_data", env.MessageType)
	}
	if env.Data == nil || env.Data.Temperature == nil || *env.Data.Temperature != 22.5 {
		t.Errorf("envelope data = %+v", env.Data)
	}
}

func TestHandleMessage_ConfigRouting(t *testing.T) {
	var gotUpdate map[string]any
	var gotTopic string
	var gotPayload []byte

	c, _ := newTestClient(testBrokerConfig(), Callbacks{
		OnConfigUpdate: func(u map[string]any) { gotUpdate = u },
		OnMessage:      func(topic string, payload []byte) { gotTopic, gotPayload = topic, payload },
	})

	c.handleMessage(ConfigTopic("test_client"), []byte(`{"update_interval": 10}`))
	if gotUpdate == nil || gotUpdate["update_interval"] != float64(10) {
		t.Errorf("config update = %v, want decoded map", gotUpdate)
	}

	// Malformed config payloads are dropped, not forwarded anywhere.
	gotUpdate = nil
	c.handleMessage(ConfigTopic("test_client"), []byte(`{not json`))
	if gotUpdate != nil {
		t.Error("malformed config payload should be dropped")
	}
	if gotTopic != "" {
		t.Error("malformed config payload must not reach the generic callback")
	}

	// Everything else goes to the generic callback verbatim.
	c.handleMessage("sensors/other/data", []byte(`raw-bytes`))
	if gotTopic != "sensors/other/data" || string(gotPayload) != "raw-bytes" {
		t.Errorf("generic message = %q %q", gotTopic, gotPayload)
	}
}

func TestGenerateClientID(t *testing.T) {
	id := GenerateClientID()
	if !strings.HasPrefix(id, "iot_client_") {
		t.Errorf("client id = %q, want iot_client_ prefix", id)
	}
	if len(id) != len("iot_client_")+8 {
		t.Errorf("client id = %q, want 8 hex chars after prefix", id)
	}
	if id == GenerateClientID() {
		t.Error("client ids should be unique")
	}
}
