package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensor-bridge/backoff"
	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/device"
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
)

// Config holds the manager settings
type Config struct {
	PollInterval   time.Duration
	ReloadInterval time.Duration
	TLS            TLSSettings
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records connection metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSleep replaces the backoff sleep
func WithSleep(f SleepFunc) Option {
	return func(mgr *Manager) { mgr.sleep = f }
}

type handle struct {
	w           *worker
	cancel      context.CancelFunc
	done        chan struct{}
	fingerprint string
	retired     sync.Once
}

// wait blocks until the worker has exited and its session is closed
func (h *handle) wait() {
	if h == nil {
		return
	}
	<-h.done
	h.retired.Do(h.w.retire)
}

// Manager runs one worker per MQTT device endpoint and keeps the set of
// workers in line with the device registry
type Manager struct {
	registry *device.Registry
	resolver atomic.Pointer[broker.Resolver]
	dialer   Dialer
	policy   atomic.Pointer[backoff.Policy]
	sink     Sink
	metrics  *metrics.Metrics
	sleep    SleepFunc
	cfg      Config

	mu      sync.Mutex
	base    context.Context
	workers map[string]*handle
	paused  map[string]bool // stopped through Stop, skipped by Reconcile
}

// NewManager creates a connection manager
func NewManager(registry *device.Registry, resolver *broker.Resolver, dialer Dialer, policy *backoff.Policy, sink Sink, cfg Config, opts ...Option) *Manager {
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = 60 * time.Second
	}
	m := &Manager{
		registry: registry,
		dialer:   dialer,
		sink:     sink,
		cfg:      cfg,
		base:     context.Background(),
		workers:  make(map[string]*handle),
		paused:   make(map[string]bool),
	}
	m.resolver.Store(resolver)
	m.policy.Store(policy)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetResolver swaps the broker profile table used by new connections
func (m *Manager) SetResolver(r *broker.Resolver) {
	if r != nil {
		m.resolver.Store(r)
	}
}

// SetPolicy swaps the reconnect backoff policy
func (m *Manager) SetPolicy(p *backoff.Policy) {
	if p != nil {
		m.policy.Store(p)
	}
}

// Run starts all workers and reloads the device set every reload
// interval until ctx is done. All workers are stopped before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	m.Reconcile()

	ticker := time.NewTicker(m.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return nil
		case <-ticker.C:
			if err := m.registry.Refresh(ctx); err != nil {
				logger.Error("device reload failed, keeping current devices: %v", err)
			}
			m.Reconcile()
		}
	}
}

// Reconcile stops workers for removed or changed devices and starts
// workers for new ones. Failed workers are recreated.
func (m *Manager) Reconcile() {
	desired := make(map[string]model.DeviceEndpoint)
	for _, d := range m.registry.ByTransport(model.TransportMQTT) {
		desired[d.ID] = d
	}

	m.mu.Lock()
	detached := make(map[string]*handle)
	for id, h := range m.workers {
		d, ok := desired[id]
		if !ok || d.Fingerprint() != h.fingerprint {
			if !ok {
				logger.Info("device %s removed, stopping listener", id)
			} else {
				logger.Info("device %s changed, restarting listener", id)
			}
			detached[id] = m.detachLocked(id)
		}
	}
	for id := range m.paused {
		if _, ok := desired[id]; !ok {
			delete(m.paused, id)
		}
	}

	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if m.paused[id] {
			continue
		}
		if h, ok := m.workers[id]; ok {
			if h.w.State() != StateFailed {
				continue
			}
			logger.Info("recreating failed listener for device %s", id)
			detached[id] = m.detachLocked(id)
		}
		m.spawnLocked(desired[id], detached[id])
	}
	m.mu.Unlock()

	for _, h := range detached {
		h.wait()
	}
}

// spawnLocked starts a worker for d. When prev is set the new worker
// dials only after prev has closed its session, so two sessions never
// exist for one endpoint.
func (m *Manager) spawnLocked(d model.DeviceEndpoint, prev *handle) {
	ctx, cancel := context.WithCancel(m.base)
	w := newWorker(d, workerDeps{
		resolve:      m.resolveEndpoint,
		dialer:       m.dialer,
		policy:       m.policy.Load(),
		tls:          m.cfg.TLS,
		sink:         m.sink,
		metrics:      m.metrics,
		sleep:        m.sleep,
		pollInterval: m.cfg.PollInterval,
	})
	h := &handle{w: w, cancel: cancel, done: make(chan struct{}), fingerprint: d.Fingerprint()}
	m.workers[d.ID] = h

	go func() {
		defer close(h.done)
		prev.wait()
		w.run(ctx)
	}()
}

// detachLocked cancels the worker and removes it from the set. The
// caller waits on the returned handle after releasing m.mu.
func (m *Manager) detachLocked(id string) *handle {
	h, ok := m.workers[id]
	if !ok {
		return nil
	}
	h.cancel()
	delete(m.workers, id)
	return h
}

func (m *Manager) resolveEndpoint(d model.DeviceEndpoint) broker.Profile {
	return m.resolver.Load().ResolveEndpoint(d)
}

func (m *Manager) lookup(id string) (model.DeviceEndpoint, error) {
	d, ok := m.registry.Get(id)
	if !ok || d.Transport != model.TransportMQTT {
		return model.DeviceEndpoint{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

// Start creates and connects the listener for one device. A running
// listener is left alone unless it has failed.
func (m *Manager) Start(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.paused, id)
	var prev *handle
	if h, ok := m.workers[id]; ok {
		if h.w.State() != StateFailed && h.fingerprint == d.Fingerprint() {
			return nil
		}
		prev = m.detachLocked(id)
	}
	m.spawnLocked(d, prev)
	logger.Info("started listener for device %s", id)
	return nil
}

// Stop tears down the listener for one device. It stays stopped across
// reloads until Start is called.
func (m *Manager) Stop(id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}

	m.mu.Lock()
	m.paused[id] = true
	h := m.detachLocked(id)
	m.mu.Unlock()

	h.wait()
	logger.Info("stopped listener for device %s", id)
	return nil
}

// Status returns the status of one device listener
func (m *Manager) Status(id string) (Status, error) {
	if _, err := m.lookup(id); err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	h, ok := m.workers[id]
	m.mu.Unlock()

	if !ok {
		return Status{DeviceID: id, State: StateDisconnected.String()}, nil
	}
	return h.w.Status(), nil
}

// Statuses returns the status of every configured MQTT device
func (m *Manager) Statuses() []Status {
	devices := m.registry.ByTransport(model.TransportMQTT)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(devices))
	for _, d := range devices {
		if h, ok := m.workers[d.ID]; ok {
			out = append(out, h.w.Status())
			continue
		}
		out = append(out, Status{DeviceID: d.ID, State: StateDisconnected.String()})
	}
	return out
}

// Shutdown stops every worker and waits for them to exit
func (m *Manager) Shutdown() {
	m.mu.Lock()
	detached := make([]*handle, 0, len(m.workers))
	for id := range m.workers {
		detached = append(detached, m.detachLocked(id))
	}
	m.mu.Unlock()

	for _, h := range detached {
		h.wait()
	}
	logger.Info("all MQTT listeners stopped")
}
