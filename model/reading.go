package model

import "time"

// RawMessage is a transport-agnostic inbound payload
type RawMessage struct {
	DeviceID   string
	Topic      string // empty for webhook deliveries
	Payload    []byte
	ReceivedAt time.Time
	Transport  TransportKind
}

// CanonicalReading is a sensor measurement in the fixed type/unit vocabulary
type CanonicalReading struct {
	DeviceID     string        `json:"device_id"`
	Type         string        `json:"type"`                // canonical type, or the raw key when unrecognized
	Value        float64       `json:"value"`               // numeric value
	Unit         string        `json:"unit,omitempty"`      // canonical unit
	RawKey       string        `json:"raw_key"`             // key as received
	RawValue     any           `json:"raw_value,omitempty"` // value as received
	Unrecognized bool          `json:"unrecognized"`        // key not in the mapping table
	Quality      int           `json:"quality"`             // data quality (0-100)
	Timestamp    time.Time     `json:"timestamp"`
	Transport    TransportKind `json:"transport"`
}
