package services

import (
	"encoding/json"
	"testing"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICEConfigProvider_BuildsServerList(t *testing.T) {
	p, err := NewICEConfigProvider(ICEConfig{
		STUNServers:     []string{"stun:stun.l.google.com:19302", " "},
		TURNServers:     []string{"turn:turn.example.org:3478?transport=udp"},
		TURNUsername:    "relay",
		TURNCredential:  "secret",
		TransportPolicy: "all",
		BundlePolicy:    "balanced",
	})
	require.NoError(t, err)

	cfg := p.Build(domain.ConnectionOptions{})
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
	assert.Empty(t, cfg.ICEServers[0].Username)
	assert.Equal(t, "relay", cfg.ICEServers[1].Username)
	assert.Equal(t, "secret", cfg.ICEServers[1].Credential)
	assert.Equal(t, "all", cfg.ICETransportPolicy)
	assert.Equal(t, "balanced", cfg.BundlePolicy)
	assert.Equal(t, 1, p.STUNCount())
	assert.Equal(t, 1, p.TURNCount())
}

func TestICEConfigProvider_TURNWithoutFullCredentials(t *testing.T) {
	p, err := NewICEConfigProvider(ICEConfig{
		TURNServers:  []string{"turn:turn.example.org:3478"},
		TURNUsername: "relay",
	})
	require.NoError(t, err)

	cfg := p.Build(domain.ConnectionOptions{})
	require.Len(t, cfg.ICEServers, 1)
	assert.Empty(t, cfg.ICEServers[0].Username)
	assert.Empty(t, cfg.ICEServers[0].Credential)
}

func TestICEConfigProvider_OptionOverrides(t *testing.T) {
	p, err := NewICEConfigProvider(ICEConfig{
		STUNServers:  []string{"stun:stun.l.google.com:19302"},
		BundlePolicy: "max-bundle",
	})
	require.NoError(t, err)

	video := json.RawMessage(`{"width":640}`)
	cfg := p.Build(domain.ConnectionOptions{ICETransportPolicy: "relay", VideoConstraints: video})
	assert.Equal(t, "relay", cfg.ICETransportPolicy)
	assert.Equal(t, "max-bundle", cfg.BundlePolicy)
	assert.JSONEq(t, `{"width":640}`, string(cfg.VideoConstraints))
	assert.Nil(t, cfg.AudioConstraints)

	// overrides do not leak into later builds
	assert.Equal(t, "all", p.Build(domain.ConnectionOptions{}).ICETransportPolicy)
}

func TestICEConfigProvider_RejectsBadURLs(t *testing.T) {
	_, err := NewICEConfigProvider(ICEConfig{STUNServers: []string{"http://example.org"}})
	assert.Error(t, err)

	_, err = NewICEConfigProvider(ICEConfig{TURNServers: []string{"stun:stun.l.google.com:19302"}})
	assert.Error(t, err)

	_, err = NewICEConfigProvider(ICEConfig{BundlePolicy: "tight"})
	assert.Error(t, err)
}

func TestICEConfiguration_JSONShape(t *testing.T) {
	p, err := NewICEConfigProvider(ICEConfig{STUNServers: []string{"stun:stun.l.google.com:19302"}})
	require.NoError(t, err)

	raw, err := json.Marshal(p.Build(domain.ConnectionOptions{}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"iceServers": [{"urls": ["stun:stun.l.google.com:19302"]}],
		"iceTransportPolicy": "all",
		"bundlePolicy": "balanced"
	}`, string(raw))
}
