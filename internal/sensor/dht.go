package sensor

import (
	"math"
	"math/rand"

	"github.com/afroash/dht"
	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/models"
)

const dhtMaxRetries = 3

// DHTSource reads temperature and humidity from a DHT11/DHT22 on a
// GPIO pin. When the driver cannot be initialized (no GPIO on this
// machine, pin busy) the source synthesizes plausible values instead,
// so the rest of the pipeline stays exercisable off-device.
type DHTSource struct {
	baseSource
	pin    int
	sensor *dht.Sensor
	logger zerolog.Logger
}

// NewDHTSource creates a DHT source on the given pin. sensorType
// selects the range table entry (DHT11 or DHT22); the wire protocol is
// the same.
func NewDHTSource(id string, sensorType models.SensorType, pin, maxErrors int, logger zerolog.Logger) *DHTSource {
	s := &DHTSource{
		baseSource: newBaseSource(id, sensorType, maxErrors),
		pin:        pin,
		logger:     logger,
	}

	hw, err := dht.NewDHT11(pin)
	if err != nil {
		logger.Warn().Err(err).Int("pin", pin).
			Msg("DHT driver unavailable, synthesizing readings")
		return s
	}
	s.sensor = hw
	logger.Info().Int("pin", pin).Str("type", string(sensorType)).Msg("DHT sensor initialized")
	return s
}

// Read performs one measurement. A driver failure is encoded into the
// reading; with no driver present a synthetic reading is produced.
func (s *DHTSource) Read() *models.SensorReading {
	reading := models.NewReading(s.id, s.sensorType)

	if s.sensor == nil {
		reading.Temperature = models.Float64(round1(20 + randRange(-5, 10)))
		reading.Humidity = models.Float64(round1(50 + randRange(-20, 30)))
		s.recordSuccess(reading)
		return reading
	}

	hw, err := s.sensor.ReadRetry(dhtMaxRetries)
	if err != nil {
		reading.Error = err.Error()
		s.recordFailure()
		s.logger.Error().Err(err).Str("sensor_id", s.id).Msg("Failed to read DHT sensor")
		return reading
	}

	reading.Temperature = models.Float64(round1(hw.Temperature))
	reading.Humidity = models.Float64(round1(hw.Humidity))
	s.recordSuccess(reading)
	return reading
}

// Close releases the GPIO line.
func (s *DHTSource) Close() error {
	if s.sensor == nil {
		return nil
	}
	return s.sensor.Close()
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func randRange(min, max float64) float64 {
	return min + rand.Float64()*(max-min)
}
