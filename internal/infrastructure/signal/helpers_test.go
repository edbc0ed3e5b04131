package signal

import (
	"testing"

	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSignaling(t *testing.T, deliverer ports.Deliverer) ports.SignalingService {
	t.Helper()
	log := zap.NewNop().Sugar()

	keys, err := services.NewKeyExchangeService(services.DefaultKeyExchangeConfig(), 4, log, nil)
	require.NoError(t, err)
	ice, err := services.NewICEConfigProvider(services.ICEConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	})
	require.NoError(t, err)

	return services.NewSignalingService(true, services.SignalingDeps{
		Repository: memory.NewMemoryConnectionRepository(4),
		Deliverer:  deliverer,
		Quality:    services.NewQualityService(services.DefaultQualityConfig(), services.NewTelemetryTracker(4), 4, nil),
		Keys:       keys,
		ICE:        ice,
		Logger:     log,
	})
}
