package sensor

import (
	"math/rand"
	"sync"

	"github.com/afroash/sensor-agent/internal/models"
)

const mockErrorRate = 0.05

// MockSource generates synthetic readings for tests and demo runs:
// a slow random-walk drift around a base temperature plus jitter, and
// a 5% injected error rate. Error counts decay on success instead of
// resetting, so transient injected errors don't mark the sensor
// unhealthy.
type MockSource struct {
	baseSource

	driftMu      sync.Mutex
	baseTemp     float64
	baseHumidity float64
	drift        float64
	errorRate    float64
	forcedErr    string
	rng          *rand.Rand
}

// NewMockSource creates a mock source. sensorType only selects the
// range table entry for validation.
func NewMockSource(id string, sensorType models.SensorType, maxErrors int) *MockSource {
	return &MockSource{
		baseSource:   newBaseSource(id, sensorType, maxErrors),
		baseTemp:     22.0,
		baseHumidity: 60.0,
		errorRate:    mockErrorRate,
		rng:          rand.New(rand.NewSource(rand.Int63())),
	}
}

// ForceError makes every subsequent Read fail with msg. Pass the empty
// string to restore normal behavior.
func (s *MockSource) ForceError(msg string) {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	s.forcedErr = msg
}

// Read generates one synthetic reading.
func (s *MockSource) Read() *models.SensorReading {
	s.driftMu.Lock()
	forced := s.forcedErr
	s.drift += s.rng.Float64()*0.2 - 0.1
	if s.drift > 2.0 {
		s.drift = 2.0
	} else if s.drift < -2.0 {
		s.drift = -2.0
	}
	temp := round1(s.baseTemp + s.drift + (s.rng.Float64()*2 - 1))
	humidity := round1(s.baseHumidity + (s.rng.Float64()*10 - 5))
	failed := forced != "" || s.rng.Float64() < s.errorRate
	s.driftMu.Unlock()

	reading := models.NewReading(s.id, s.sensorType)
	if failed {
		if forced != "" {
			reading.Error = forced
		} else {
			reading.Error = "simulated sensor error"
		}
		s.recordFailure()
		return reading
	}

	reading.Temperature = models.Float64(temp)
	reading.Humidity = models.Float64(humidity)
	s.recordMockSuccess(reading)
	return reading
}

// recordMockSuccess decays the error counter by one rather than
// resetting it, matching the injected-error model.
func (s *MockSource) recordMockSuccess(r *models.SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorCount > 0 {
		s.errorCount--
	}
	s.last = r
}

// Close is a no-op.
func (s *MockSource) Close() error {
	return nil
}
