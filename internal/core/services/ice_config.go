package services

import (
	"fmt"
	"strings"

	"camrelay/internal/core/domain"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

type ICEConfig struct {
	STUNServers     []string
	TURNServers     []string
	TURNUsername    string
	TURNCredential  string
	TransportPolicy string
	BundlePolicy    string
}

// ICEConfigProvider builds the ICE configuration handed to both
// participants. Server URLs are validated once at construction.
type ICEConfigProvider struct {
	servers   []domain.ICEServer
	stunCount int
	turnCount int
	policy    webrtc.ICETransportPolicy
	bundle    webrtc.BundlePolicy
}

func NewICEConfigProvider(cfg ICEConfig) (*ICEConfigProvider, error) {
	p := &ICEConfigProvider{policy: parseTransportPolicy(cfg.TransportPolicy)}

	bundle, err := parseBundlePolicy(cfg.BundlePolicy)
	if err != nil {
		return nil, err
	}
	p.bundle = bundle

	for _, raw := range cfg.STUNServers {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if err := validateICEURL(u, false); err != nil {
			return nil, err
		}
		p.servers = append(p.servers, domain.ICEServer{URLs: []string{u}})
		p.stunCount++
	}

	withAuth := cfg.TURNUsername != "" && cfg.TURNCredential != ""
	for _, raw := range cfg.TURNServers {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if err := validateICEURL(u, true); err != nil {
			return nil, err
		}
		srv := domain.ICEServer{URLs: []string{u}}
		if withAuth {
			srv.Username = cfg.TURNUsername
			srv.Credential = cfg.TURNCredential
		}
		p.servers = append(p.servers, srv)
		p.turnCount++
	}

	return p, nil
}

func validateICEURL(raw string, turn bool) error {
	u, err := ice.ParseURL(raw)
	if err != nil {
		return fmt.Errorf("invalid ice server url %q: %w", raw, err)
	}
	isTURN := u.Scheme == ice.SchemeTypeTURN || u.Scheme == ice.SchemeTypeTURNS
	if isTURN != turn {
		return fmt.Errorf("ice server url %q has unexpected scheme %s", raw, u.Scheme)
	}
	return nil
}

// parseTransportPolicy maps unknown values to "all".
func parseTransportPolicy(raw string) webrtc.ICETransportPolicy {
	return webrtc.NewICETransportPolicy(strings.ToLower(strings.TrimSpace(raw)))
}

func parseBundlePolicy(raw string) (webrtc.BundlePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "balanced":
		return webrtc.BundlePolicyBalanced, nil
	case "max-compat":
		return webrtc.BundlePolicyMaxCompat, nil
	case "max-bundle":
		return webrtc.BundlePolicyMaxBundle, nil
	default:
		return webrtc.BundlePolicyBalanced, fmt.Errorf("unknown bundle policy %q", raw)
	}
}

// Build returns the configuration with per-connection overrides applied.
func (p *ICEConfigProvider) Build(opts domain.ConnectionOptions) domain.ICEConfiguration {
	servers := make([]domain.ICEServer, len(p.servers))
	copy(servers, p.servers)

	policy := p.policy
	if opts.ICETransportPolicy != "" {
		policy = parseTransportPolicy(opts.ICETransportPolicy)
	}

	return domain.ICEConfiguration{
		ICEServers:         servers,
		ICETransportPolicy: policy.String(),
		BundlePolicy:       p.bundle.String(),
		VideoConstraints:   opts.VideoConstraints,
		AudioConstraints:   opts.AudioConstraints,
	}
}

func (p *ICEConfigProvider) STUNCount() int { return p.stunCount }
func (p *ICEConfigProvider) TURNCount() int { return p.turnCount }
