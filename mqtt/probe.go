package mqtt

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/eddielth/sensor-bridge/broker"
)

// TestResult reports a one-shot connectivity test
type TestResult struct {
	DeviceID  string        `json:"device_id"`
	Broker    string        `json:"broker"`
	Profile   string        `json:"profile"`
	Variant   string        `json:"client"`
	Keepalive time.Duration `json:"keepalive"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Test connects to the device's broker, subscribes to its topics and
// disconnects again. It runs outside the worker lifecycle and does not
// touch the worker's state. Unknown devices return an error; connection
// problems are reported in the result.
func (m *Manager) Test(ctx context.Context, id string) (TestResult, error) {
	d, err := m.lookup(id)
	if err != nil {
		return TestResult{}, err
	}

	profile := m.resolveEndpoint(d)
	variant := profile.ClientFor(d)
	res := TestResult{
		DeviceID:  d.ID,
		Broker:    d.BrokerURL(),
		Profile:   profile.Name,
		Variant:   string(variant),
		Keepalive: profile.Keepalive(d.Keepalive),
	}

	fail := func(err error) (TestResult, error) {
		res.Error = err.Error()
		return res, nil
	}

	var tlsConfig *tls.Config
	if variant == broker.VariantSecure || d.UseTLS {
		if tlsConfig, err = BuildTLSConfig(d, profile, m.cfg.TLS); err != nil {
			return fail(err)
		}
	}

	start := time.Now()
	// probe sessions get their own client id so they never kick out the
	// running listener
	probe := d
	probe.ClientID = d.ClientID + "-probe"

	dialCtx, cancel := context.WithTimeout(ctx, profile.ConnectTimeout)
	defer cancel()

	session, err := m.dialer.Dial(dialCtx, DialOptions{
		Endpoint:  probe,
		Profile:   profile,
		Variant:   variant,
		Keepalive: res.Keepalive,
		TLS:       tlsConfig,
	})
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	if err := session.Subscribe(dialCtx, d.Topics, d.SubscriptionQoS()); err != nil {
		return fail(err)
	}

	res.Latency = time.Since(start)
	res.Success = true
	return res, nil
}
