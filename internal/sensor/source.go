package sensor

import (
	"sync"

	"github.com/afroash/sensor-agent/internal/models"
)

// Source produces readings for a single sensor. Read never fails at
// the call site; all failures are encoded into the returned reading's
// Error field.
type Source interface {
	// ID returns the sensor identifier.
	ID() string

	// Type returns the sensor hardware family tag.
	Type() models.SensorType

	// Read performs one measurement.
	Read() *models.SensorReading

	// Healthy reports whether the consecutive error count is below the
	// configured threshold.
	Healthy() bool

	// ErrorCount returns the current error counter.
	ErrorCount() int

	// LastReading returns a copy of the most recent successful reading,
	// or nil if there has been none. Failed reads do not update it.
	LastReading() *models.SensorReading

	// Close releases any hardware resources.
	Close() error
}

// baseSource carries the identity and health bookkeeping shared by all
// source implementations. The mutex guards errorCount and last, which
// are read from the inspection path while the poll loop writes them.
type baseSource struct {
	id         string
	sensorType models.SensorType
	maxErrors  int

	mu         sync.Mutex
	errorCount int
	last       *models.SensorReading
}

func newBaseSource(id string, sensorType models.SensorType, maxErrors int) baseSource {
	if maxErrors <= 0 {
		maxErrors = 5
	}
	return baseSource{
		id:         id,
		sensorType: sensorType,
		maxErrors:  maxErrors,
	}
}

func (b *baseSource) ID() string {
	return b.id
}

func (b *baseSource) Type() models.SensorType {
	return b.sensorType
}

func (b *baseSource) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount < b.maxErrors
}

func (b *baseSource) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount
}

func (b *baseSource) LastReading() *models.SensorReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.Copy()
}

// recordSuccess stores the reading as the last successful one and
// resets the error counter.
func (b *baseSource) recordSuccess(r *models.SensorReading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount = 0
	b.last = r
}

// recordFailure bumps the error counter without touching the last
// successful reading.
func (b *baseSource) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount++
}
