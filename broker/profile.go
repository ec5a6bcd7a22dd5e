package broker

import (
	"strings"
	"time"

	"github.com/eddielth/sensor-bridge/model"
)

// ClientVariant selects how the MQTT session is opened
type ClientVariant string

const (
	// VariantAuto is resolved per endpoint by ClientFor
	VariantAuto ClientVariant = "auto"
	// VariantStandard is plain MQTT 3.1.1 without certificates
	VariantStandard ClientVariant = "standard"
	// VariantSecure is MQTT 3.1.1 over TLS with optional client certificates
	VariantSecure ClientVariant = "secure"
	// VariantLegacy is MQTT 3.1 with conservative session settings
	VariantLegacy ClientVariant = "legacy"
)

// Profile is the resolved configuration for one broker
type Profile struct {
	Name                 string        `mapstructure:"name"`
	Hosts                []string      `mapstructure:"hosts"`    // exact hostnames
	Patterns             []string      `mapstructure:"patterns"` // hostname substrings
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	MaxKeepalive         time.Duration `mapstructure:"max_keepalive"` // 0 means no ceiling
	RequiresCertificates bool          `mapstructure:"requires_certificates"`
	Client               ClientVariant `mapstructure:"client"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	Isolated             bool          `mapstructure:"isolated"` // jobs use the reserved queue lane
	Conservative         bool          `mapstructure:"-"`
}

// ClientFor returns the concrete client variant for an endpoint.
// The auto variant prefers a certificate-capable client when TLS or
// certificates are involved.
func (p Profile) ClientFor(d model.DeviceEndpoint) ClientVariant {
	switch p.Client {
	case VariantStandard, VariantSecure, VariantLegacy:
		return p.Client
	}
	if p.RequiresCertificates || d.UseTLS || d.HasClientCertificate() || d.CACert != "" {
		return VariantSecure
	}
	return VariantStandard
}

// Keepalive caps the requested keepalive at the profile ceiling
func (p Profile) Keepalive(requested time.Duration) time.Duration {
	if p.MaxKeepalive > 0 && (requested <= 0 || requested > p.MaxKeepalive) {
		return p.MaxKeepalive
	}
	return requested
}

// Multiplier returns the backoff multiplier, never below 1
func (p Profile) Multiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 1
	}
	return p.BackoffMultiplier
}

func (p Profile) matchesHost(host string) bool {
	for _, h := range p.Hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func (p Profile) matchesPattern(host string) bool {
	for _, pattern := range p.Patterns {
		if pattern != "" && strings.Contains(host, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the built-in broker table
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:              "thethings_stack",
			Patterns:          []string{"thethings", "ttn"},
			ConnectTimeout:    10 * time.Second,
			MaxKeepalive:      30 * time.Second,
			Client:            VariantLegacy,
			BackoffMultiplier: 1.5,
			Isolated:          true,
		},
		{
			Name:                 "hivemq",
			Patterns:             []string{"hivemq"},
			RequiresCertificates: true,
			Client:               VariantAuto,
		},
		{
			Name:     "emqx",
			Patterns: []string{"emqx"},
			Client:   VariantAuto,
		},
		{
			Name:     "mosquitto",
			Patterns: []string{"mosquitto", "localhost", "127.0.0.1"},
			Client:   VariantAuto,
		},
	}
}

// DefaultConservative is forced onto hosts in the problematic list
func DefaultConservative() Profile {
	return Profile{
		Name:              "conservative",
		ConnectTimeout:    10 * time.Second,
		MaxKeepalive:      30 * time.Second,
		Client:            VariantLegacy,
		BackoffMultiplier: 2,
		Isolated:          true,
	}
}

// DefaultProblematic lists hosts known to misbehave with standard settings
func DefaultProblematic() []string {
	return []string{"eu1.cloud.thethings.industries"}
}
