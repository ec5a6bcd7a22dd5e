package normalizer

// Tables holds the sensor vocabulary. Keys are matched case-insensitively.
type Tables struct {
	Mappings    map[string]string `mapstructure:"mappings"`     // raw key alias -> canonical type
	Units       map[string]string `mapstructure:"units"`        // canonical type -> canonical unit
	UnitAliases map[string]string `mapstructure:"unit_aliases"` // unit alias -> canonical unit
}

// DefaultTables returns the built-in sensor vocabulary
func DefaultTables() Tables {
	return Tables{
		Mappings: map[string]string{
			"temp":          "temperature",
			"temperature":   "temperature",
			"thermal":       "temperature",
			"humid":         "humidity",
			"humidity":      "humidity",
			"light":         "light",
			"potentiometer": "potentiometer",
			"pot":           "potentiometer",
			"lat":           "latitude",
			"latitude":      "latitude",
			"lng":           "longitude",
			"lon":           "longitude",
			"longitude":     "longitude",
			"pressure":      "pressure",
			"soil_moisture": "soil_moisture",
			"ph":            "ph",
			"battery":       "battery",
			"altitude":      "altitude",
			"alt":           "altitude",
			"gps_fix":       "gps_quality",
			"gps_quality":   "gps_quality",
		},
		Units: map[string]string{
			"temperature":   "°C",
			"humidity":      "%",
			"light":         "%",
			"potentiometer": "%",
			"pressure":      "hPa",
			"soil_moisture": "%",
			"latitude":      "°",
			"longitude":     "°",
			"battery":       "%",
			"altitude":      "m",
			"gps_quality":   "fix_code",
		},
		UnitAliases: map[string]string{
			"celsius":    "°C",
			"fahrenheit": "°F",
			"kelvin":     "K",
			"percent":    "%",
			"percentage": "%",
			"degrees":    "°",
			"degree":     "°",
			"meters":     "m",
			"meter":      "m",
			"pascal":     "Pa",
			"bar":        "bar",
			"lux":        "lx",
			"volt":       "V",
			"volts":      "V",
			"ampere":     "A",
			"amp":        "A",
			"watt":       "W",
		},
	}
}

// Merge overlays o on top of t and returns the result.
// Neither input is modified.
func (t Tables) Merge(o Tables) Tables {
	return Tables{
		Mappings:    mergeMap(t.Mappings, o.Mappings),
		Units:       mergeMap(t.Units, o.Units),
		UnitAliases: mergeMap(t.UnitAliases, o.UnitAliases),
	}
}

func mergeMap(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
