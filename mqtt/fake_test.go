package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensor-bridge/model"
)

type fakeMessage struct {
	topic   string
	payload []byte
	acked   atomic.Bool
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack()            { m.acked.Store(true) }

type fakeSession struct {
	messages  chan Message
	lost      chan error
	connected atomic.Bool
	closed    atomic.Bool
	topics    []string
	subErr    error
}

func newFakeSession() *fakeSession {
	s := &fakeSession{
		messages: make(chan Message, 16),
		lost:     make(chan error, 1),
	}
	s.connected.Store(true)
	return s
}

// dropping returns a session that loses its connection right after subscribing
func dropping() *fakeSession {
	s := newFakeSession()
	s.lost <- errors.New("connection reset by peer")
	return s
}

func (s *fakeSession) Subscribe(_ context.Context, topics []string, _ byte) error {
	s.topics = topics
	return s.subErr
}

func (s *fakeSession) Messages() <-chan Message { return s.messages }
func (s *fakeSession) Lost() <-chan error       { return s.lost }
func (s *fakeSession) IsConnected() bool        { return s.connected.Load() && !s.closed.Load() }
func (s *fakeSession) Close()                   { s.closed.Store(true) }

type dialResult struct {
	session *fakeSession
	err     error
}

// fakeDialer replays scripted results; once the script runs out it
// keeps returning fallback
type fakeDialer struct {
	mu       sync.Mutex
	script   []dialResult
	fallback func() dialResult
	dials    []DialOptions
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(_ context.Context, opts DialOptions) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials = append(d.dials, opts)

	var r dialResult
	if len(d.script) > 0 {
		r, d.script = d.script[0], d.script[1:]
	} else if d.fallback != nil {
		r = d.fallback()
	} else {
		r = dialResult{err: errors.New("connection refused")}
	}
	if r.err != nil {
		return nil, r.err
	}
	d.sessions = append(d.sessions, r.session)
	return r.session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) opened() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession(nil), d.sessions...)
}

// sleepRecorder records backoff delays without waiting
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []model.RawMessage
}

func (s *recordingSink) Handle(_ model.DeviceEndpoint, msg model.RawMessage, ack func()) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	ack()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
