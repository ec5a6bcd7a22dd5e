package device

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

// Source loads the desired set of device endpoints
type Source interface {
	Load(ctx context.Context) ([]model.DeviceEndpoint, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) ([]model.DeviceEndpoint, error)

// Load calls f
func (f SourceFunc) Load(ctx context.Context) ([]model.DeviceEndpoint, error) {
	return f(ctx)
}

// StaticSource always returns the same endpoints
type StaticSource []model.DeviceEndpoint

// Load returns a copy of the endpoints
func (s StaticSource) Load(context.Context) ([]model.DeviceEndpoint, error) {
	return append([]model.DeviceEndpoint(nil), s...), nil
}

// Defaults fill endpoint fields left empty in configuration
type Defaults struct {
	Keepalive            time.Duration
	MaxReconnectAttempts int
	QoS                  byte
}

type snapshot struct {
	list []model.DeviceEndpoint
	byID map[string]model.DeviceEndpoint
}

// Registry holds the last loaded device snapshot. Readers never block:
// a refresh builds a new snapshot and swaps it in.
type Registry struct {
	source   Source
	defaults Defaults
	current  atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry backed by source
func NewRegistry(source Source, defaults Defaults) *Registry {
	r := &Registry{source: source, defaults: defaults}
	r.current.Store(&snapshot{byID: map[string]model.DeviceEndpoint{}})
	return r
}

// Refresh reloads the snapshot from the source. On error the previous
// snapshot is kept.
func (r *Registry) Refresh(ctx context.Context) error {
	devices, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	r.Replace(devices)
	return nil
}

// Replace validates devices and installs them as the new snapshot.
// Invalid entries are logged and skipped.
func (r *Registry) Replace(devices []model.DeviceEndpoint) {
	next := &snapshot{
		list: make([]model.DeviceEndpoint, 0, len(devices)),
		byID: make(map[string]model.DeviceEndpoint, len(devices)),
	}

	for _, d := range devices {
		d = ApplyDefaults(d, r.defaults)
		if err := Validate(d); err != nil {
			logger.Warn("skipping device %q: %v", d.ID, err)
			continue
		}
		if _, dup := next.byID[d.ID]; dup {
			logger.Warn("skipping duplicate device id %q", d.ID)
			continue
		}
		next.byID[d.ID] = d
		next.list = append(next.list, d)
	}

	sort.Slice(next.list, func(i, j int) bool { return next.list[i].ID < next.list[j].ID })
	r.current.Store(next)
}

// Get returns the endpoint with the given id
func (r *Registry) Get(id string) (model.DeviceEndpoint, bool) {
	d, ok := r.current.Load().byID[id]
	return d, ok
}

// List returns all endpoints sorted by id
func (r *Registry) List() []model.DeviceEndpoint {
	return append([]model.DeviceEndpoint(nil), r.current.Load().list...)
}

// ByTransport returns the endpoints using kind
func (r *Registry) ByTransport(kind model.TransportKind) []model.DeviceEndpoint {
	var out []model.DeviceEndpoint
	for _, d := range r.current.Load().list {
		if d.Transport == kind {
			out = append(out, d)
		}
	}
	return out
}

// ApplyDefaults fills empty fields of d
func ApplyDefaults(d model.DeviceEndpoint, def Defaults) model.DeviceEndpoint {
	if d.Transport == "" {
		d.Transport = model.TransportMQTT
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Transport != model.TransportMQTT {
		return d
	}
	if d.Keepalive <= 0 {
		d.Keepalive = def.Keepalive
	}
	if d.MaxReconnectAttempts <= 0 {
		d.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if d.QoS == nil {
		qos := def.QoS
		d.QoS = &qos
	}
	if d.ClientID == "" {
		d.ClientID = "sensor-bridge-" + d.ID
	}
	return d
}

// Validate checks that an endpoint can be used
func Validate(d model.DeviceEndpoint) error {
	if d.ID == "" {
		return fmt.Errorf("missing id")
	}
	if !d.Transport.Valid() {
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	if d.Transport != model.TransportMQTT {
		return nil
	}
	if d.Host == "" {
		return fmt.Errorf("mqtt device has no host")
	}
	if len(d.Topics) == 0 {
		return fmt.Errorf("mqtt device has no topics")
	}
	if d.SubscriptionQoS() > 2 {
		return fmt.Errorf("invalid qos %d", d.SubscriptionQoS())
	}
	if (d.ClientCert == "") != (d.ClientKey == "") {
		return fmt.Errorf("client_cert and client_key must be set together")
	}
	return nil
}
