package broker

import (
	"strings"
	"time"

	"github.com/eddielth/sensor-bridge/model"
)

// AutoProfileName is the name of the fallback profile
const AutoProfileName = "auto"

// Config is the broker section of the configuration
type Config struct {
	Profiles       []Profile
	Problematic    []string
	Conservative   Profile
	ConnectTimeout time.Duration // default for profiles that set none
}

// Resolver maps hostnames to broker profiles.
// Its tables are built once in NewResolver and only read afterwards,
// so a Resolver is shared by all endpoint workers without locking.
type Resolver struct {
	profiles     []Profile
	byName       map[string]Profile
	problematic  map[string]struct{}
	conservative Profile
	auto         Profile
}

// NewResolver builds a resolver from cfg
func NewResolver(cfg Config) *Resolver {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	r := &Resolver{
		byName:      make(map[string]Profile, len(cfg.Profiles)),
		problematic: make(map[string]struct{}, len(cfg.Problematic)),
		auto: Profile{
			Name:              AutoProfileName,
			ConnectTimeout:    cfg.ConnectTimeout,
			Client:            VariantAuto,
			BackoffMultiplier: 1,
		},
	}

	for _, p := range cfg.Profiles {
		p = withDefaults(p, cfg.ConnectTimeout)
		r.profiles = append(r.profiles, p)
		r.byName[strings.ToLower(p.Name)] = p
	}

	for _, host := range cfg.Problematic {
		r.problematic[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
	}

	conservative := cfg.Conservative
	if conservative.Name == "" {
		conservative = DefaultConservative()
	}
	conservative = withDefaults(conservative, cfg.ConnectTimeout)
	conservative.Conservative = true
	r.conservative = conservative

	return r
}

func withDefaults(p Profile, timeout time.Duration) Profile {
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = timeout
	}
	if p.Client == "" {
		p.Client = VariantAuto
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// Resolve returns the profile for a broker hostname.
// The problematic list takes precedence over every other match.
func (r *Resolver) Resolve(host string) Profile {
	host = strings.ToLower(strings.TrimSpace(host))

	if _, bad := r.problematic[host]; bad {
		return r.conservative
	}
	for _, p := range r.profiles {
		if p.matchesHost(host) {
			return p
		}
	}
	for _, p := range r.profiles {
		if p.matchesPattern(host) {
			return p
		}
	}
	return r.auto
}

// ResolveEndpoint resolves the profile for a device, honoring a pinned
// profile name unless the host is in the problematic list.
func (r *Resolver) ResolveEndpoint(d model.DeviceEndpoint) Profile {
	host := strings.ToLower(strings.TrimSpace(d.Host))
	if _, bad := r.problematic[host]; bad {
		return r.conservative
	}
	if d.Broker != "" {
		if p, ok := r.byName[strings.ToLower(d.Broker)]; ok {
			return p
		}
	}
	return r.Resolve(host)
}

// Lookup returns a profile by name
func (r *Resolver) Lookup(name string) (Profile, bool) {
	p, ok := r.byName[strings.ToLower(name)]
	return p, ok
}

// IsProblematic reports whether host is in the problematic list
func (r *Resolver) IsProblematic(host string) bool {
	_, ok := r.problematic[strings.ToLower(strings.TrimSpace(host))]
	return ok
}
