package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/broker"
	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/models"
	"github.com/afroash/sensor-agent/internal/sensor"
	"github.com/afroash/sensor-agent/internal/storage"
)

// cyclePause is how long the loop backs off after a cycle panic, so a
// persistently broken cycle cannot spin hot.
const cyclePause = 5 * time.Second

// Agent runs the poll-publish loop: read every sensor on the update
// interval, publish valid readings to the broker, and hand them to the
// optional local reading log.
type Agent struct {
	cfg      *config.Config
	clientID string
	registry *sensor.Registry
	broker   broker.Broker
	writer   *storage.Writer
	logger   zerolog.Logger

	onCycle func(readings map[string]*models.SensorReading)

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cycles    int64
	published int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Status is the aggregated observability snapshot of the agent.
type Status struct {
	ClientID       string                         `json:"client_id"`
	Running        bool                           `json:"running"`
	StartedAt      time.Time                      `json:"started_at,omitempty"`
	UpdateInterval string                         `json:"update_interval"`
	Cycles         int64                          `json:"cycles"`
	Published      int64                          `json:"published"`
	Broker         broker.Status                  `json:"broker"`
	Sensors        map[string]sensor.SensorStatus `json:"sensors"`
}

// New creates an agent from already-wired dependencies. The writer may
// be nil when local storage is disabled.
func New(cfg *config.Config, clientID string, registry *sensor.Registry, brk broker.Broker, writer *storage.Writer, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		clientID: clientID,
		registry: registry,
		broker:   brk,
		writer:   writer,
		logger:   logger.With().Str("component", "agent").Logger(),
		stopChan: make(chan struct{}),
	}
}

// OnCycle registers a listener that receives the readings of every
// completed poll cycle. Must be called before Start.
func (a *Agent) OnCycle(fn func(readings map[string]*models.SensorReading)) {
	a.onCycle = fn
}

// Start connects to the broker and starts the poll loop. A refused
// initial connection is fatal; reconnection only covers connections
// that were lost after being established.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	a.running = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	if err := a.broker.Connect(); err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("connect to broker: %w", err)
	}

	a.wg.Add(1)
	go a.run()

	a.logger.Info().
		Str("client_id", a.clientID).
		Dur("update_interval", a.cfg.Agent.UpdateInterval).
		Int("sensors", len(a.registry.IDs())).
		Msg("Agent started")
	return nil
}

// run executes poll cycles until stopped. The first cycle runs
// immediately rather than one interval in.
func (a *Agent) run() {
	defer a.wg.Done()

	for {
		a.safeCycle()

		select {
		case <-time.After(a.cfg.Agent.UpdateInterval):
		case <-a.stopChan:
			return
		}
	}
}

// safeCycle runs one poll cycle, containing panics so a broken sensor
// or handler cannot kill the loop.
func (a *Agent) safeCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error().Interface("panic", rec).Msg("Poll cycle panicked")
			select {
			case <-time.After(cyclePause):
			case <-a.stopChan:
			}
		}
	}()
	a.cycle()
}

// cycle reads all sensors once and publishes the valid readings.
func (a *Agent) cycle() {
	readings := a.registry.ReadAll()

	published := 0
	for id, reading := range readings {
		if !reading.IsValid() {
			a.logger.Warn().
				Str("sensor_id", id).
				Str("error", reading.Error).
				Msg("Dropping invalid reading")
			continue
		}

		if a.broker.PublishSensorData(id, reading) {
			published++
		} else {
			a.logger.Warn().Str("sensor_id", id).Msg("Publish failed, reading dropped")
		}

		if a.writer != nil {
			a.writer.Write(reading)
		}
	}

	a.mu.Lock()
	a.cycles++
	a.published += int64(published)
	a.mu.Unlock()

	a.logger.Debug().
		Int("sensors", len(readings)).
		Int("published", published).
		Msg("Poll cycle complete")

	if a.onCycle != nil {
		a.onCycle(readings)
	}
}

// Stop shuts the agent down in order: stop polling, disconnect from
// the broker, flush the reading log, close the sensors. Idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("Agent stopping")

		close(a.stopChan)
		a.wg.Wait()

		a.broker.Disconnect()

		if a.writer != nil {
			a.writer.Stop()
		}
		if err := a.registry.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing sensors")
		}

		a.mu.Lock()
		a.running = false
		a.mu.Unlock()

		a.logger.Info().Msg("Agent stopped")
	})
}

// Status returns the aggregated snapshot used by the inspection server.
func (a *Agent) Status() Status {
	a.mu.Lock()
	running := a.running
	startedAt := a.startedAt
	cycles := a.cycles
	published := a.published
	a.mu.Unlock()

	return Status{
		ClientID:       a.clientID,
		Running:        running,
		StartedAt:      startedAt,
		UpdateInterval: a.cfg.Agent.UpdateInterval.String(),
		Cycles:         cycles,
		Published:      published,
		Broker:         a.broker.Status(),
		Sensors:        a.registry.Status(),
	}
}
