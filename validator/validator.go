package validator

import (
	"fmt"
	"sort"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

// Validator checks one canonical reading
type Validator interface {
	// Validate returns an error when the reading is implausible
	Validate(reading model.CanonicalReading) error
}

// Range is a closed plausibility interval
type Range struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// RangeValidator checks readings of one canonical type
type RangeValidator struct {
	Type string
	Min  float64
	Max  float64
}

// Validate checks whether the reading value lies within the range.
// Readings of other types always pass.
func (rv *RangeValidator) Validate(reading model.CanonicalReading) error {
	if reading.Type != rv.Type {
		return nil
	}
	if reading.Value < rv.Min || reading.Value > rv.Max {
		return fmt.Errorf("%s value %g is not within [%g, %g]", rv.Type, reading.Value, rv.Min, rv.Max)
	}
	return nil
}

// DefaultRanges returns the plausibility ranges per canonical type
func DefaultRanges() map[string]Range {
	return map[string]Range{
		"temperature":   {Min: -50, Max: 100},
		"humidity":      {Min: 0, Max: 100},
		"light":         {Min: 0, Max: 100},
		"potentiometer": {Min: 0, Max: 100},
		"battery":       {Min: 0, Max: 100},
		"soil_moisture": {Min: 0, Max: 100},
		"pressure":      {Min: 800, Max: 1200},
		"latitude":      {Min: -90, Max: 90},
		"longitude":     {Min: -180, Max: 180},
		"ph":            {Min: 0, Max: 14},
	}
}

// Set applies validators by canonical type. It is read-only after NewSet.
type Set struct {
	byType map[string][]Validator
}

// NewSet builds range validators from ranges
func NewSet(ranges map[string]Range) *Set {
	s := &Set{byType: make(map[string][]Validator, len(ranges))}

	types := make([]string, 0, len(ranges))
	for typ := range ranges {
		types = append(types, typ)
	}
	sort.Strings(types)

	for _, typ := range types {
		r := ranges[typ]
		s.Add(&RangeValidator{Type: typ, Min: r.Min, Max: r.Max})
	}
	return s
}

// Add registers a validator for the type of a RangeValidator, or for all
// types when v is some other Validator. Call before the Set is shared.
func (s *Set) Add(v Validator) {
	key := ""
	if rv, ok := v.(*RangeValidator); ok {
		key = rv.Type
	}
	s.byType[key] = append(s.byType[key], v)
}

// Apply sets the Quality of each reading: 100 when it passes every
// validator, 0 otherwise. Implausible readings are kept.
func (s *Set) Apply(readings []model.CanonicalReading) {
	for i := range readings {
		readings[i].Quality = 100
		if readings[i].Unrecognized {
			continue
		}

		if err := s.validate(readings[i]); err != nil {
			readings[i].Quality = 0
			logger.WithDevice(readings[i].DeviceID).Warnf("implausible reading: %v", err)
		}
	}
}

func (s *Set) validate(reading model.CanonicalReading) error {
	for _, key := range []string{reading.Type, ""} {
		for _, v := range s.byType[key] {
			if err := v.Validate(reading); err != nil {
				return err
			}
		}
	}
	return nil
}
