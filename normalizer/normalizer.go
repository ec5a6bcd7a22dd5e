package normalizer

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/eddielth/sensor-bridge/model"
)

var numberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

// Normalizer maps raw sensor keys and units onto the canonical vocabulary.
//
// A Normalizer is never mutated after New returns, so one instance is shared
// by every endpoint worker and webhook request without locking. A reload
// builds a fresh Normalizer and swaps the pointer.
type Normalizer struct {
	mappings    map[string]string
	units       map[string]string
	unitAliases map[string]string
	validUnits  map[string]struct{}
	aliasOrder  []string // unit aliases, longest first
}

// New builds a Normalizer from tables
func New(t Tables) *Normalizer {
	n := &Normalizer{
		mappings:    make(map[string]string, len(t.Mappings)),
		units:       make(map[string]string, len(t.Units)),
		unitAliases: make(map[string]string, len(t.UnitAliases)),
		validUnits:  make(map[string]struct{}),
	}

	for alias, canonical := range t.Mappings {
		n.mappings[cleanKey(alias)] = cleanKey(canonical)
	}
	for typ, unit := range t.Units {
		n.units[cleanKey(typ)] = unit
		n.validUnits[unit] = struct{}{}
	}
	for alias, unit := range t.UnitAliases {
		n.unitAliases[cleanKey(alias)] = unit
		n.validUnits[unit] = struct{}{}
		n.aliasOrder = append(n.aliasOrder, cleanKey(alias))
	}

	sort.Slice(n.aliasOrder, func(i, j int) bool {
		a, b := n.aliasOrder[i], n.aliasOrder[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})

	return n
}

// Normalize maps one raw sensor field to canonical reading fields.
// Unknown keys are kept verbatim and flagged as unrecognized.
// DeviceID, Timestamp and Transport are left for the caller.
func (n *Normalizer) Normalize(rawKey string, rawValue any, unitHint string) model.CanonicalReading {
	key := cleanKey(rawKey)

	reading := model.CanonicalReading{
		Type:     key,
		RawKey:   rawKey,
		RawValue: rawValue,
		Value:    ExtractValue(rawValue),
		Quality:  100,
	}

	if canonical, ok := n.mappings[key]; ok {
		reading.Type = canonical
		reading.Unit = n.units[canonical]
	} else {
		reading.Unrecognized = true
	}

	if unitHint == "" {
		if s, ok := rawValue.(string); ok {
			unitHint = n.ExtractUnit(s)
		}
	}
	if unit, ok := n.NormalizeUnit(unitHint); ok {
		reading.Unit = unit
	}

	return reading
}

// NormalizeUnit maps a unit string through the alias table.
// The second result is false when the unit is empty or unknown.
func (n *Normalizer) NormalizeUnit(unit string) (string, bool) {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return "", false
	}
	if canonical, ok := n.unitAliases[strings.ToLower(unit)]; ok {
		return canonical, true
	}
	if _, ok := n.validUnits[unit]; ok {
		return unit, true
	}
	return "", false
}

// ExtractUnit finds a known unit alias in a value string such as "56.4 celsius".
// Longer aliases win, so the result does not depend on map iteration order.
func (n *Normalizer) ExtractUnit(value string) string {
	rest := numberPattern.ReplaceAllString(value, " ")
	if strings.TrimSpace(rest) == "" {
		return ""
	}
	for _, token := range strings.Fields(rest) {
		if _, ok := n.unitAliases[strings.ToLower(token)]; ok {
			return token
		}
		if _, ok := n.validUnits[token]; ok {
			return token
		}
	}
	// aliases match whole words only, so "damp" never reads as "amp"
	words := strings.FieldsFunc(strings.ToLower(rest), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, alias := range n.aliasOrder {
		for _, w := range words {
			if w == alias {
				return alias
			}
		}
	}
	return ""
}

// CanonicalType returns the canonical type for a raw key
func (n *Normalizer) CanonicalType(rawKey string) (string, bool) {
	canonical, ok := n.mappings[cleanKey(rawKey)]
	return canonical, ok
}

// ExtractValue converts a raw value to a number. Strings yield their first
// signed decimal number, anything without one yields 0.
func ExtractValue(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return ExtractValue(v.String())
		}
		return finite(f)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		match := numberPattern.FindString(v)
		if match == "" {
			return 0
		}
		f, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func cleanKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
