package normalizer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrEmptyPayload is returned for a payload with no content
	ErrEmptyPayload = errors.New("empty payload")
	// ErrUnsupportedPayload is returned when no sensor fields can be located
	ErrUnsupportedPayload = errors.New("unsupported payload format")
)

// Kind describes the payload shape that was detected
type Kind string

const (
	KindPlain    Kind = "plain"
	KindUplink   Kind = "uplink"    // The Things Stack uplink
	KindTTSEvent Kind = "tts_event" // The Things Stack event without an uplink
	KindSensors  Kind = "sensors"   // {"sensors":[{"type","value","subtype"}]}
	KindExplicit Kind = "explicit"  // {"sensor_type","value","unit"}
	KindFlat     Kind = "flat"
)

// metadataKeys are never treated as sensor fields
var metadataKeys = map[string]struct{}{
	"timestamp":  {},
	"device_id":  {},
	"message_id": {},
	"metadata":   {},
	"token":      {},
	"warnings":   {},
	"errors":     {},
}

// Field is one raw sensor field extracted from a payload
type Field struct {
	Key      string
	Value    any
	UnitHint string
}

// Parsed is the result of ParsePayload
type Parsed struct {
	Kind      Kind
	Fields    []Field
	DeviceID  string    // device id carried inside the payload, if any
	Timestamp time.Time // zero when the payload carries none

	// FRMPayload is set for uplinks without a decoded payload
	FRMPayload []byte
	FPort      int
}

// NeedsDecoding reports whether the raw uplink bytes still have to be decoded
func (p Parsed) NeedsDecoding() bool {
	return len(p.Fields) == 0 && len(p.FRMPayload) > 0
}

// ParsePayload locates the raw sensor fields in an MQTT or webhook payload.
// topic is used as the sensor key for plain values and may be empty.
func ParsePayload(topic string, payload []byte) (Parsed, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Parsed{}, ErrEmptyPayload
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return plainValue(topic, string(payload))
	}

	switch v := doc.(type) {
	case map[string]any:
		return parseObject(v)
	case []any:
		return parseObject(map[string]any{"sensors": v})
	case nil:
		return Parsed{}, ErrEmptyPayload
	default:
		return plainValue(topic, v)
	}
}

func plainValue(topic string, value any) (Parsed, error) {
	key := lastSegment(topic)
	if key == "" {
		return Parsed{}, ErrUnsupportedPayload
	}
	return Parsed{Kind: KindPlain, Fields: []Field{{Key: key, Value: value}}}, nil
}

func parseObject(obj map[string]any) (Parsed, error) {
	envelope := obj
	if inner, ok := obj["data"].(map[string]any); ok && isTTSEnvelope(inner) {
		envelope = inner
	}

	if isTTSEnvelope(envelope) {
		return parseTTS(envelope)
	}

	if decoded, ok := obj["decoded_payload"].(map[string]any); ok {
		fields := FieldsFromObject(unwrapData(decoded))
		return Parsed{Kind: KindUplink, Fields: fields, DeviceID: stringField(obj, "device_id"), Timestamp: parseTimestamp(obj)}, nil
	}

	kind, fields := objectFields(obj)
	if len(fields) == 0 {
		return Parsed{}, ErrUnsupportedPayload
	}
	return Parsed{
		Kind:      kind,
		Fields:    fields,
		DeviceID:  stringField(obj, "device_id"),
		Timestamp: parseTimestamp(obj),
	}, nil
}

func isTTSEnvelope(obj map[string]any) bool {
	if _, ok := obj["uplink_message"].(map[string]any); ok {
		return true
	}
	_, ok := obj["end_device_ids"].(map[string]any)
	return ok
}

func parseTTS(envelope map[string]any) (Parsed, error) {
	parsed := Parsed{Kind: KindTTSEvent, Timestamp: parseTimestamp(envelope)}
	if ids, ok := envelope["end_device_ids"].(map[string]any); ok {
		parsed.DeviceID = stringField(ids, "device_id")
	}

	uplink, ok := envelope["uplink_message"].(map[string]any)
	if !ok {
		return parsed, nil
	}
	parsed.Kind = KindUplink
	if parsed.Timestamp.IsZero() {
		parsed.Timestamp = parseTimestamp(uplink)
	}

	if decoded, ok := uplink["decoded_payload"].(map[string]any); ok {
		parsed.Fields = FieldsFromObject(unwrapData(decoded))
		return parsed, nil
	}

	if frm, ok := uplink["frm_payload"].(string); ok && frm != "" {
		raw, err := base64.StdEncoding.DecodeString(frm)
		if err != nil {
			return Parsed{}, ErrUnsupportedPayload
		}
		parsed.FRMPayload = raw
		if port, ok := uplink["f_port"].(float64); ok {
			parsed.FPort = int(port)
		}
		return parsed, nil
	}

	return Parsed{}, ErrUnsupportedPayload
}

// unwrapData returns decoded["data"] when a formatter nested its output there
func unwrapData(decoded map[string]any) map[string]any {
	if data, ok := decoded["data"].(map[string]any); ok {
		return data
	}
	return decoded
}

// FieldsFromObject extracts sensor fields from a decoded object.
// It is also used on the output of uplink formatter scripts.
func FieldsFromObject(obj map[string]any) []Field {
	_, fields := objectFields(obj)
	return fields
}

func objectFields(obj map[string]any) (Kind, []Field) {
	if sensors, ok := obj["sensors"].([]any); ok {
		return KindSensors, sensorArrayFields(sensors)
	}

	if sensorType, ok := obj["sensor_type"].(string); ok {
		return KindExplicit, []Field{{
			Key:      sensorType,
			Value:    obj["value"],
			UnitHint: stringField(obj, "unit"),
		}}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		if _, skip := metadataKeys[strings.ToLower(k)]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		field := Field{Key: k, Value: obj[k]}
		// {"temperature": {"value": 21.3, "unit": "celsius"}}
		if nested, ok := obj[k].(map[string]any); ok {
			if v, has := nested["value"]; has {
				field.Value = v
				field.UnitHint = stringField(nested, "unit")
			}
		}
		fields = append(fields, field)
	}
	return KindFlat, fields
}

func sensorArrayFields(sensors []any) []Field {
	fields := make([]Field, 0, len(sensors))
	for _, item := range sensors {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		key := stringField(entry, "type")
		if key == "" {
			continue
		}
		if strings.EqualFold(key, "geolocation") {
			if sub := stringField(entry, "subtype"); sub != "" {
				key = sub
			}
		}
		fields = append(fields, Field{
			Key:      key,
			Value:    entry["value"],
			UnitHint: stringField(entry, "unit"),
		})
	}
	return fields
}

func parseTimestamp(obj map[string]any) time.Time {
	if s, ok := obj["received_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	switch ts := obj["timestamp"].(type) {
	case float64:
		if ts <= 0 {
			return time.Time{}
		}
		// millisecond epochs are larger than any plausible second epoch
		if ts > 1e12 {
			return time.UnixMilli(int64(ts))
		}
		return time.Unix(int64(ts), 0)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func lastSegment(topic string) string {
	topic = strings.Trim(topic, "/")
	if topic == "" {
		return ""
	}
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
