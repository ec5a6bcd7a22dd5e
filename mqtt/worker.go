package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddielth/sensor-bridge/backoff"
	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
)

// State is the connection state of one endpoint
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Sink receives every inbound message. Handle must not block on
// downstream processing; ack is called once the message is safe.
type Sink interface {
	Handle(device model.DeviceEndpoint, msg model.RawMessage, ack func())
}

// Status is a snapshot of one endpoint worker
type Status struct {
	DeviceID  string    `json:"device_id"`
	State     string    `json:"state"`
	Profile   string    `json:"profile,omitempty"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type workerDeps struct {
	resolve      func(model.DeviceEndpoint) broker.Profile
	dialer       Dialer
	policy       *backoff.Policy
	tls          TLSSettings
	sink         Sink
	metrics      *metrics.Metrics
	sleep        SleepFunc
	pollInterval time.Duration
}

// worker owns the connection state of one endpoint. Nothing outside
// the worker goroutine changes state; Status only reads it.
type worker struct {
	endpoint model.DeviceEndpoint
	deps     workerDeps
	log      *logrus.Entry

	mu      sync.RWMutex
	state   State
	attempt int
	lastErr error
	since   time.Time
	profile string
}

func newWorker(ep model.DeviceEndpoint, deps workerDeps) *worker {
	if deps.sleep == nil {
		deps.sleep = sleepContext
	}
	if deps.pollInterval <= 0 {
		deps.pollInterval = 100 * time.Millisecond
	}
	deps.metrics.StateChanged("", StateDisconnected.String())
	return &worker{
		endpoint: ep,
		deps:     deps,
		log:      logger.WithDevice(ep.ID),
		state:    StateDisconnected,
		since:    time.Now(),
	}
}

// retire removes the worker from the state gauges once it has exited
func (w *worker) retire() {
	w.deps.metrics.StateChanged(w.State().String(), "")
}

func (w *worker) setState(next State, err error) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	if err != nil {
		w.lastErr = err
	}
	if prev != next {
		w.since = time.Now()
	}
	w.mu.Unlock()

	if prev != next {
		w.deps.metrics.StateChanged(prev.String(), next.String())
		w.log.Debugf("state %s -> %s", prev, next)
	}
}

func (w *worker) setAttempt(n int) {
	w.mu.Lock()
	w.attempt = n
	w.mu.Unlock()
}

func (w *worker) setProfile(name string) {
	w.mu.Lock()
	w.profile = name
	w.mu.Unlock()
}

// State returns the current connection state
func (w *worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status returns a snapshot for reporting
func (w *worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := Status{
		DeviceID: w.endpoint.ID,
		State:    w.state.String(),
		Profile:  w.profile,
		Attempt:  w.attempt,
		Since:    w.since,
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// run connects and reconnects until ctx is done, the attempts are
// exhausted, or a configuration error occurs
func (w *worker) run(ctx context.Context) {
	maxAttempts := w.endpoint.MaxReconnectAttempts
	attempt := 0

	for {
		if ctx.Err() != nil {
			w.setState(StateDisconnected, nil)
			return
		}

		w.setState(StateConnecting, nil)
		profile := w.deps.resolve(w.endpoint)
		w.setProfile(profile.Name)

		connected, err := w.connectAndServe(ctx, profile)
		if connected {
			attempt = 0
			w.setAttempt(0)
		}

		if ctx.Err() != nil {
			w.setState(StateDisconnected, nil)
			return
		}

		if errors.Is(err, ErrConfiguration) {
			w.log.Errorf("configuration error, endpoint will not be retried: %v", err)
			w.setState(StateFailed, err)
			return
		}

		if attempt >= maxAttempts {
			w.log.Errorf("giving up after %d reconnect attempts: %v", attempt, err)
			w.setState(StateFailed, err)
			return
		}

		attempt++
		w.setAttempt(attempt)
		w.setState(StateReconnecting, err)
		w.deps.metrics.ReconnectAttempt(profile.Name)

		delay := w.deps.policy.NextDelay(attempt, profile.Multiplier())
		w.log.Warnf("connection failed (%v), reconnect attempt %d/%d in %s", err, attempt, maxAttempts, delay)

		if err := w.deps.sleep(ctx, delay); err != nil {
			w.setState(StateDisconnected, nil)
			return
		}
	}
}

// connectAndServe opens one session and runs the receive loop until
// the session drops or ctx is done. connected reports whether the
// session reached the subscribed state.
func (w *worker) connectAndServe(ctx context.Context, profile broker.Profile) (connected bool, err error) {
	ep := w.endpoint
	variant := profile.ClientFor(ep)

	var tlsConfig *tls.Config
	if variant == broker.VariantSecure || ep.UseTLS {
		tlsConfig, err = BuildTLSConfig(ep, profile, w.deps.tls)
		if err != nil {
			return false, err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, profile.ConnectTimeout)
	session, err := w.deps.dialer.Dial(dialCtx, DialOptions{
		Endpoint:  ep,
		Profile:   profile,
		Variant:   variant,
		Keepalive: profile.Keepalive(ep.Keepalive),
		TLS:       tlsConfig,
	})
	cancel()
	if err != nil {
		return false, err
	}
	defer session.Close()

	subCtx, cancel := context.WithTimeout(ctx, profile.ConnectTimeout)
	err = session.Subscribe(subCtx, ep.Topics, ep.SubscriptionQoS())
	cancel()
	if err != nil {
		return false, err
	}

	w.setState(StateConnected, nil)
	w.log.Infof("listening on %v via %s profile", ep.Topics, profile.Name)

	ticker := time.NewTicker(w.deps.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-session.Lost():
			return true, err
		case m := <-session.Messages():
			w.deps.sink.Handle(ep, model.RawMessage{
				DeviceID:   ep.ID,
				Topic:      m.Topic(),
				Payload:    m.Payload(),
				ReceivedAt: time.Now().UTC(),
				Transport:  model.TransportMQTT,
			}, m.Ack)
		case <-ticker.C:
			if !session.IsConnected() {
				return true, ErrConnectionLost
			}
		}
	}
}
