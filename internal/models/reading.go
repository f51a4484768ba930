package models

import (
	"fmt"
	"strings"
	"time"
)

// SensorType identifies the hardware family that produced a reading.
type SensorType string

const (
	SensorTypeDHT11   SensorType = "DHT11"
	SensorTypeDHT22   SensorType = "DHT22"
	SensorTypeDS18B20 SensorType = "DS18B20"
	SensorTypeBME280  SensorType = "BME280"
	SensorTypeMock    SensorType = "MOCK"
)

// SensorReading represents a single measurement from one sensor.
// Measurement fields are pointers because not every sensor type
// produces every value. A reading is immutable once returned by a
// source.
type SensorReading struct {
	SensorID    string     `json:"sensor_id"`
	SensorType  SensorType `json:"sensor_type"`
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
	Pressure    *float64   `json:"pressure,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Error       string     `json:"error,omitempty"`
}

// NewReading creates an empty reading stamped with the capture time.
// The caller fills in measurements or an error before handing it off.
func NewReading(sensorID string, sensorType SensorType) *SensorReading {
	return &SensorReading{
		SensorID:   sensorID,
		SensorType: sensorType,
		Timestamp:  time.Now(),
	}
}

// ErrorReading creates a reading that carries only a failure.
func ErrorReading(sensorID string, sensorType SensorType, errMsg string) *SensorReading {
	r := NewReading(sensorID, sensorType)
	r.Error = errMsg
	return r
}

// IsValid reports whether the reading carries usable data: no error
// and at least one measurement present.
func (r *SensorReading) IsValid() bool {
	if r.Error != "" {
		return false
	}
	return r.Temperature != nil || r.Humidity != nil || r.Pressure != nil
}

// String returns a compact human-readable form for logs.
func (r *SensorReading) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reading[%s/%s", r.SensorID, r.SensorType)
	if r.Temperature != nil {
		fmt.Fprintf(&b, " T=%.1f°C", *r.Temperature)
	}
	if r.Humidity != nil {
		fmt.Fprintf(&b, " H=%.1f%%", *r.Humidity)
	}
	if r.Pressure != nil {
		fmt.Fprintf(&b, " P=%.1fhPa", *r.Pressure)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, " err=%q", r.Error)
	}
	b.WriteString("]")
	return b.String()
}

// Copy returns a deep copy of the reading.
func (r *SensorReading) Copy() *SensorReading {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Temperature != nil {
		cp.Temperature = Float64(*r.Temperature)
	}
	if r.Humidity != nil {
		cp.Humidity = Float64(*r.Humidity)
	}
	if r.Pressure != nil {
		cp.Pressure = Float64(*r.Pressure)
	}
	return &cp
}

// Float64 returns a pointer to v, for filling optional measurement
// fields.
func Float64(v float64) *float64 {
	return &v
}
