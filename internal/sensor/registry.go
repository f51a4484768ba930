package sensor

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/models"
)

// Registry owns the registered sensor sources and aggregates reads and
// health status across them.
type Registry struct {
	logger  zerolog.Logger
	sources map[string]Source
}

// SensorStatus is the observability snapshot for one sensor.
type SensorStatus struct {
	SensorType      models.SensorType `json:"sensor_type"`
	Healthy         bool              `json:"healthy"`
	ErrorCount      int               `json:"error_count"`
	LastReadingTime *time.Time        `json:"last_reading_time,omitempty"`
	LastTemperature *float64          `json:"last_temperature,omitempty"`
	LastHumidity    *float64          `json:"last_humidity,omitempty"`
	LastPressure    *float64          `json:"last_pressure,omitempty"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		sources: make(map[string]Source),
	}
}

// NewFromConfig builds a registry with one source per configured
// sensor. Unknown types fall back to the mock source, like the other
// variants fall back to synthetic data when hardware is absent.
func NewFromConfig(cfgs []config.SensorConfig, logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, sc := range cfgs {
		var src Source
		switch models.SensorType(sc.Type) {
		case models.SensorTypeDHT11, models.SensorTypeDHT22:
			src = NewDHTSource(sc.ID, models.SensorType(sc.Type), sc.Pin, sc.MaxErrors, logger)
		case models.SensorTypeDS18B20:
			src = NewDS18B20Source(sc.ID, sc.MaxErrors, logger)
		default:
			src = NewMockSource(sc.ID, models.SensorType(sc.Type), sc.MaxErrors)
		}
		r.Register(src)
		logger.Info().Str("sensor_id", sc.ID).Str("type", sc.Type).Msg("Sensor registered")
	}
	return r
}

// Register adds a source. A source with a duplicate ID replaces the
// previous one.
func (r *Registry) Register(src Source) {
	r.sources[src.ID()] = src
}

// Get returns the source registered under id.
func (r *Registry) Get(id string) (Source, bool) {
	src, ok := r.sources[id]
	return src, ok
}

// IDs returns the registered sensor ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadAll reads every registered source and returns exactly one entry
// per sensor id. A panicking source is converted into an error-tagged
// reading rather than propagated.
func (r *Registry) ReadAll() map[string]*models.SensorReading {
	readings := make(map[string]*models.SensorReading, len(r.sources))
	for id, src := range r.sources {
		readings[id] = r.readOne(id, src)
	}
	return readings
}

func (r *Registry) readOne(id string, src Source) (reading *models.SensorReading) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("sensor_id", id).Interface("panic", rec).
				Msg("Sensor read panicked")
			reading = models.ErrorReading(id, src.Type(), fmt.Sprintf("read panic: %v", rec))
		}
	}()

	reading = src.Read()

	if !reading.IsValid() {
		r.logger.Warn().Str("sensor_id", id).Str("error", reading.Error).
			Msg("Invalid reading")
	} else if !models.InRange(reading) {
		// Advisory only: out-of-range readings are still published.
		r.logger.Warn().Str("sensor_id", id).Str("reading", reading.String()).
			Msg("Reading outside plausible range")
	}
	return reading
}

// Status produces a snapshot of every sensor's health for
// observability consumers.
func (r *Registry) Status() map[string]SensorStatus {
	status := make(map[string]SensorStatus, len(r.sources))
	for id, src := range r.sources {
		st := SensorStatus{
			SensorType: src.Type(),
			Healthy:    src.Healthy(),
			ErrorCount: src.ErrorCount(),
		}
		if last := src.LastReading(); last != nil {
			ts := last.Timestamp
			st.LastReadingTime = &ts
			st.LastTemperature = last.Temperature
			st.LastHumidity = last.Humidity
			st.LastPressure = last.Pressure
		}
		status[id] = st
	}
	return status
}

// Close closes every source, returning the first error encountered.
func (r *Registry) Close() error {
	var firstErr error
	for id, src := range r.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close sensor %s: %w", id, err)
		}
	}
	return firstErr
}
