package models

// Range is an inclusive plausibility bound for one measurement.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// SensorRanges holds the plausible bounds for each measurement a
// sensor type can produce. A nil entry means the type does not report
// that measurement and any present value is accepted.
type SensorRanges struct {
	Temperature *Range
	Humidity    *Range
	Pressure    *Range
}

// rangeTable maps sensor types to datasheet operating ranges.
var rangeTable = map[SensorType]SensorRanges{
	SensorTypeDHT11: {
		Temperature: &Range{Min: 0, Max: 50},
		Humidity:    &Range{Min: 20, Max: 90},
	},
	SensorTypeDHT22: {
		Temperature: &Range{Min: -40, Max: 80},
		Humidity:    &Range{Min: 0, Max: 100},
	},
	SensorTypeDS18B20: {
		Temperature: &Range{Min: -55, Max: 125},
	},
	SensorTypeBME280: {
		Temperature: &Range{Min: -40, Max: 85},
		Humidity:    &Range{Min: 0, Max: 100},
		Pressure:    &Range{Min: 300, Max: 1100},
	},
	SensorTypeMock: {
		Temperature: &Range{Min: -40, Max: 80},
		Humidity:    &Range{Min: 0, Max: 100},
	},
}

// RangesFor returns the plausibility bounds for a sensor type. Unknown
// types get empty bounds, which accept everything.
func RangesFor(t SensorType) SensorRanges {
	return rangeTable[t]
}

// InRange checks every present measurement against the range table for
// the reading's sensor type. An invalid reading is never in range.
//
// The result is advisory: callers log out-of-range readings but the
// publish decision is IsValid alone.
func InRange(r *SensorReading) bool {
	if !r.IsValid() {
		return false
	}

	ranges := RangesFor(r.SensorType)
	if r.Temperature != nil && ranges.Temperature != nil && !ranges.Temperature.Contains(*r.Temperature) {
		return false
	}
	if r.Humidity != nil && ranges.Humidity != nil && !ranges.Humidity.Contains(*r.Humidity) {
		return false
	}
	if r.Pressure != nil && ranges.Pressure != nil && !ranges.Pressure.Contains(*r.Pressure) {
		return false
	}
	return true
}
