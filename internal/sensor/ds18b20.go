package sensor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/models"
)

const w1BusDir = "/sys/bus/w1/devices"

// DS18B20Source reads a DS18B20 temperature probe over the 1-wire
// sysfs interface. When no probe is present the source synthesizes
// plausible values, like DHTSource.
type DS18B20Source struct {
	baseSource
	devicePath string
	logger     zerolog.Logger
}

// NewDS18B20Source creates a DS18B20 source, discovering the first
// 28-* device on the 1-wire bus.
func NewDS18B20Source(id string, maxErrors int, logger zerolog.Logger) *DS18B20Source {
	s := &DS18B20Source{
		baseSource: newBaseSource(id, models.SensorTypeDS18B20, maxErrors),
		logger:     logger,
	}

	matches, err := filepath.Glob(filepath.Join(w1BusDir, "28-*"))
	if err != nil || len(matches) == 0 {
		logger.Warn().Str("sensor_id", id).
			Msg("No DS18B20 probe found, synthesizing readings")
		return s
	}
	s.devicePath = filepath.Join(matches[0], "w1_slave")
	logger.Info().Str("device", s.devicePath).Msg("DS18B20 probe initialized")
	return s
}

// Read performs one measurement.
func (s *DS18B20Source) Read() *models.SensorReading {
	reading := models.NewReading(s.id, s.sensorType)

	if s.devicePath == "" {
		reading.Temperature = models.Float64(round1(20 + randRange(-10, 15)))
		s.recordSuccess(reading)
		return reading
	}

	raw, err := os.ReadFile(s.devicePath)
	if err != nil {
		reading.Error = err.Error()
		s.recordFailure()
		s.logger.Error().Err(err).Str("sensor_id", s.id).Msg("Failed to read DS18B20 probe")
		return reading
	}

	temp, err := parseW1Slave(string(raw))
	if err != nil {
		reading.Error = err.Error()
		s.recordFailure()
		s.logger.Error().Err(err).Str("sensor_id", s.id).Msg("Bad DS18B20 payload")
		return reading
	}

	reading.Temperature = models.Float64(temp)
	s.recordSuccess(reading)
	return reading
}

// Close is a no-op; the sysfs interface holds no resources.
func (s *DS18B20Source) Close() error {
	return nil
}

// parseW1Slave extracts the temperature from a w1_slave payload:
//
//	4b 46 7f ff 05 10 e1 : crc=e1 YES
//	4b 46 7f ff 05 10 e1 t=23562
func parseW1Slave(raw string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("short w1_slave payload")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("CRC check failed")
	}
	idx := strings.LastIndex(lines[1], "t=")
	if idx < 0 {
		return 0, fmt.Errorf("no temperature field in payload")
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][idx+2:]))
	if err != nil {
		return 0, fmt.Errorf("parse temperature: %w", err)
	}
	return float64(milli) / 1000.0, nil
}
