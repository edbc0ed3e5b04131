package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, recipient domain.UserID, msg domain.SignalingMessage) error {
	args := m.Called(ctx, recipient, msg)
	return args.Error(0)
}

func (m *MockDeliverer) PushQualityUpdate(ctx context.Context, connID domain.ConnectionID, recipient domain.UserID, decision domain.QualityDecision) error {
	args := m.Called(ctx, connID, recipient, decision)
	return args.Error(0)
}

func (m *MockDeliverer) delivered(method string) []mock.Call {
	var out []mock.Call
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type signalingFixture struct {
	svc       ports.SignalingService
	repo      ports.ConnectionRepository
	deliverer *MockDeliverer
	quality   *QualityService
	keys      *KeyExchangeService
	metrics   *MetricsService
}

func newSignalingFixture(t *testing.T, enabled bool) *signalingFixture {
	t.Helper()
	log := zap.NewNop().Sugar()

	deliverer := &MockDeliverer{}
	deliverer.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	deliverer.On("PushQualityUpdate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	metrics := NewMetricsService(nil)
	repo := memory.NewMemoryConnectionRepository(4)
	quality := NewQualityService(DefaultQualityConfig(), NewTelemetryTracker(4), 4, metrics)
	keys, err := NewKeyExchangeService(DefaultKeyExchangeConfig(), 4, log, metrics)
	require.NoError(t, err)
	ice, err := NewICEConfigProvider(ICEConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		TURNServers: []string{"turn:turn.example.org:3478"},
	})
	require.NoError(t, err)

	svc := NewSignalingService(enabled, SignalingDeps{
		Repository: repo,
		Deliverer:  deliverer,
		Quality:    quality,
		Keys:       keys,
		ICE:        ice,
		Metrics:    metrics,
		Logger:     log,
	})
	return &signalingFixture{svc: svc, repo: repo, deliverer: deliverer, quality: quality, keys: keys, metrics: metrics}
}

func (f *signalingFixture) create(t *testing.T, id domain.ConnectionID, a, b domain.UserID) {
	t.Helper()
	_, _, err := f.svc.InitializeConnection(context.Background(), id, a, b, domain.ConnectionOptions{})
	require.NoError(t, err)
}

func (f *signalingFixture) relay(t *testing.T, id domain.ConnectionID, from domain.UserID, typ domain.MessageType) {
	t.Helper()
	require.NoError(t, f.svc.Relay(context.Background(), domain.SignalingMessage{
		ConnectionID: id,
		Sender:       from,
		Type:         typ,
		Data:         json.RawMessage(`{}`),
	}))
}

func (f *signalingFixture) status(t *testing.T, id domain.ConnectionID) domain.ConnectionStatus {
	t.Helper()
	st, err := f.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestInitializeConnection(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	id, cfg, err := f.svc.InitializeConnection(ctx, "c1", "viewer", "camera", domain.ConnectionOptions{ICETransportPolicy: "relay"})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c1"), id)
	assert.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, "relay", cfg.ICETransportPolicy)

	assert.Equal(t, domain.StatusInitializing, f.status(t, "c1"))
	for _, u := range []domain.UserID{"viewer", "camera"} {
		active, err := f.svc.GetActiveConnection(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionID("c1"), active)
	}

	conn, err := f.svc.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "relay", conn.Metadata["iceTransportPolicy"])
	assert.False(t, conn.CreatedAt.IsZero())
}

func TestInitializeConnection_Errors(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "viewer", "camera")

	_, _, err := f.svc.InitializeConnection(ctx, "c1", "x", "y", domain.ConnectionOptions{})
	assert.ErrorIs(t, err, domain.ErrConnectionExists)

	_, _, err = f.svc.InitializeConnection(ctx, "c2", "viewer", "viewer", domain.ConnectionOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidParticipants)

	_, _, err = f.svc.InitializeConnection(ctx, "c2", "", "camera", domain.ConnectionOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidParticipants)

	disabled := newSignalingFixture(t, false)
	_, _, err = disabled.svc.InitializeConnection(ctx, "c1", "viewer", "camera", domain.ConnectionOptions{})
	assert.ErrorIs(t, err, domain.ErrSignalingDisabled)
}

func TestInitializeConnection_GeneratesID(t *testing.T) {
	f := newSignalingFixture(t, true)
	id, _, err := f.svc.InitializeConnection(context.Background(), "", "viewer", "camera", domain.ConnectionOptions{})
	require.NoError(t, err)
	assert.Len(t, string(id), 36)
}

func TestParticipantIndex_LastWriterWins(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	f.create(t, "c1", "A", "B")
	f.create(t, "c2", "A", "C")

	active, err := f.svc.GetActiveConnection(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c2"), active)

	active, err = f.svc.GetActiveConnection(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c1"), active)

	// ending the displaced connection leaves A's new binding alone
	require.NoError(t, f.svc.EndConnection(ctx, "c1", "B"))
	active, _ = f.svc.GetActiveConnection(ctx, "A")
	assert.Equal(t, domain.ConnectionID("c2"), active)
	active, _ = f.svc.GetActiveConnection(ctx, "B")
	assert.Empty(t, active)
}

func TestRelay_ForwardsToOtherParticipant(t *testing.T) {
	f := newSignalingFixture(t, true)
	f.create(t, "c1", "viewer", "camera")

	msg := domain.SignalingMessage{
		ConnectionID: "c1",
		Sender:       "viewer",
		Type:         domain.MessageOffer,
		Data:         json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	require.NoError(t, f.svc.Relay(context.Background(), msg))

	calls := f.deliverer.delivered("Deliver")
	require.Len(t, calls, 1)
	assert.Equal(t, domain.UserID("camera"), calls[0].Arguments.Get(1))
	assert.Equal(t, msg, calls[0].Arguments.Get(2))
	assert.Equal(t, domain.StatusOfferCreated, f.status(t, "c1"))
	assert.Equal(t, 1, f.metrics.Snapshot().Relayed[domain.MessageOffer])
}

func TestRelay_UnauthorizedSenderRejected(t *testing.T) {
	f := newSignalingFixture(t, true)
	f.create(t, "c1", "viewer", "camera")

	err := f.svc.Relay(context.Background(), domain.SignalingMessage{
		ConnectionID: "c1",
		Sender:       "mallory",
		Type:         domain.MessageOffer,
	})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	assert.Empty(t, f.deliverer.delivered("Deliver"))
	assert.Equal(t, domain.StatusInitializing, f.status(t, "c1"))
}

func TestRelay_Errors(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	err := f.svc.Relay(ctx, domain.SignalingMessage{ConnectionID: "nope", Sender: "viewer", Type: domain.MessageOffer})
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	f.create(t, "c1", "viewer", "camera")
	err = f.svc.Relay(ctx, domain.SignalingMessage{ConnectionID: "c1", Sender: "viewer", Type: "chat"})
	assert.ErrorIs(t, err, domain.ErrInvalidMessageType)

	disabled := newSignalingFixture(t, false)
	err = disabled.svc.Relay(ctx, domain.SignalingMessage{ConnectionID: "c1", Sender: "viewer", Type: domain.MessageOffer})
	assert.ErrorIs(t, err, domain.ErrSignalingDisabled)
}

func TestRelay_StatusIsMonotonic(t *testing.T) {
	f := newSignalingFixture(t, true)
	f.create(t, "c1", "viewer", "camera")

	f.relay(t, "c1", "viewer", domain.MessageOffer)
	f.relay(t, "c1", "camera", domain.MessageAnswer)
	f.relay(t, "c1", "viewer", domain.MessageConnectionEstablished)
	require.Equal(t, domain.StatusConnected, f.status(t, "c1"))

	// renegotiation is forwarded without regressing
	f.relay(t, "c1", "viewer", domain.MessageOffer)
	f.relay(t, "c1", "camera", domain.MessageICECandidate)
	assert.Equal(t, domain.StatusConnected, f.status(t, "c1"))
	assert.Len(t, f.deliverer.delivered("Deliver"), 5)
}

func TestRelay_ICECandidateBeforeOffer(t *testing.T) {
	f := newSignalingFixture(t, true)
	f.create(t, "c1", "viewer", "camera")

	f.relay(t, "c1", "viewer", domain.MessageICECandidate)
	assert.Equal(t, domain.StatusICEGathering, f.status(t, "c1"))
	f.relay(t, "c1", "camera", domain.MessageICECandidate)
	assert.Equal(t, domain.StatusICEGathering, f.status(t, "c1"))
	f.relay(t, "c1", "viewer", domain.MessageOffer)
	assert.Equal(t, domain.StatusOfferCreated, f.status(t, "c1"))
}

func TestRelay_TerminalStatesAbsorbAndDoNotForward(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "viewer", "camera")
	_, err := f.keys.GenerateOneTimeKey(ctx, "c1")
	require.NoError(t, err)

	f.relay(t, "c1", "camera", domain.MessageConnectionFailed)
	assert.Equal(t, domain.StatusFailed, f.status(t, "c1"))
	require.Len(t, f.deliverer.delivered("Deliver"), 1)

	// failure releases index and key material
	active, _ := f.svc.GetActiveConnection(ctx, "viewer")
	assert.Empty(t, active)
	assert.False(t, f.keys.HasSessionKey("c1"))

	for _, typ := range []domain.MessageType{
		domain.MessageOffer, domain.MessageConnectionEstablished, domain.MessageConnectionClosed,
	} {
		f.relay(t, "c1", "viewer", typ)
		assert.Equal(t, domain.StatusFailed, f.status(t, "c1"))
	}
	assert.Len(t, f.deliverer.delivered("Deliver"), 1)
}

func TestRelay_DeliveryFailureDoesNotFailRelay(t *testing.T) {
	f := newSignalingFixture(t, true)
	f.deliverer.ExpectedCalls = nil
	f.deliverer.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(domain.ErrRecipientOffline)

	f.create(t, "c1", "viewer", "camera")
	f.relay(t, "c1", "viewer", domain.MessageOffer)

	assert.Equal(t, domain.StatusOfferCreated, f.status(t, "c1"))
	assert.Equal(t, 1, f.metrics.Snapshot().DeliveryFailures["signaling"])
}

func TestEndConnection(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "viewer", "camera")
	f.svc.ReportNetworkSample(ctx, "c1", "viewer", 400, 0)
	_, err := f.keys.GenerateOneTimeKey(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, f.svc.EndConnection(ctx, "c1", "viewer"))

	assert.Equal(t, domain.StatusClosed, f.status(t, "c1"))
	calls := f.deliverer.delivered("Deliver")
	require.Len(t, calls, 1)
	assert.Equal(t, domain.UserID("camera"), calls[0].Arguments.Get(1))
	notice := calls[0].Arguments.Get(2).(domain.SignalingMessage)
	assert.Equal(t, domain.MessageConnectionClosed, notice.Type)
	assert.JSONEq(t, `{"reason":"Peer closed connection"}`, string(notice.Data))

	for _, u := range []domain.UserID{"viewer", "camera"} {
		active, _ := f.svc.GetActiveConnection(ctx, u)
		assert.Empty(t, active)
	}
	assert.False(t, f.quality.Stats("c1").HasTelemetry)
	assert.False(t, f.keys.HasSessionKey("c1"))
	assert.Equal(t, 1, f.metrics.Snapshot().Ended[domain.StatusClosed])

	// idempotent
	require.NoError(t, f.svc.EndConnection(ctx, "c1", "camera"))
	assert.Len(t, f.deliverer.delivered("Deliver"), 1)
}

func TestEndConnection_Errors(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.EndConnection(ctx, "nope", "viewer"), domain.ErrConnectionNotFound)

	f.create(t, "c1", "viewer", "camera")
	assert.ErrorIs(t, f.svc.EndConnection(ctx, "c1", "mallory"), domain.ErrNotParticipant)
	assert.Equal(t, domain.StatusInitializing, f.status(t, "c1"))
}

func TestHasActiveConnection(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "viewer", "camera")

	ok, err := f.svc.HasActiveConnection(ctx, "viewer")
	require.NoError(t, err)
	assert.False(t, ok)

	f.relay(t, "c1", "camera", domain.MessageConnectionEstablished)
	ok, err = f.svc.HasActiveConnection(ctx, "viewer")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.HasActiveConnection(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReportNetworkSample_PushesToPeer(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "viewer", "camera")

	decision, err := f.svc.ReportNetworkSample(ctx, "c1", "viewer", 400, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.82, decision.Scale, 1e-9)
	assert.Equal(t, 1050, decision.Width)

	calls := f.deliverer.delivered("PushQualityUpdate")
	require.Len(t, calls, 1)
	assert.Equal(t, domain.ConnectionID("c1"), calls[0].Arguments.Get(1))
	assert.Equal(t, domain.UserID("camera"), calls[0].Arguments.Get(2))
	assert.Equal(t, decision, calls[0].Arguments.Get(3))
}

func TestReportNetworkSample_Errors(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.ReportNetworkSample(ctx, "nope", "viewer", 10, 0)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	f.create(t, "c1", "viewer", "camera")
	_, err = f.svc.ReportNetworkSample(ctx, "c1", "mallory", 10, 0)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestReportNetworkSample_IgnoredAfterClose(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "viewer", "camera")
	require.NoError(t, f.svc.EndConnection(ctx, "c1", "viewer"))

	decision, err := f.svc.ReportNetworkSample(ctx, "c1", "viewer", 400, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, decision.Scale)
	assert.False(t, f.quality.Stats("c1").HasTelemetry)
	assert.Empty(t, f.deliverer.delivered("PushQualityUpdate"))
}

func TestStatistics(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()
	f.create(t, "c1", "a", "b")
	f.create(t, "c2", "c", "d")
	f.relay(t, "c2", "c", domain.MessageConnectionEstablished)
	require.NoError(t, f.svc.EndConnection(ctx, "c1", "a"))

	stats, err := f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.ByStatus[domain.StatusConnected])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusClosed])
	assert.Equal(t, 0, stats.ByStatus[domain.StatusFailed])
	assert.Equal(t, 2, stats.ActiveParticipants)
	assert.Equal(t, 1, stats.STUNServers)
	assert.True(t, stats.TURNConfigured)
	assert.True(t, stats.Enabled)
}

func TestConcurrentRelaysOnManyConnections(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		f.create(t, domain.ConnectionID(fmt.Sprintf("c%d", i)), domain.UserID(fmt.Sprintf("v%d", i)), domain.UserID(fmt.Sprintf("p%d", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*4)
	for i := 0; i < n; i++ {
		id := domain.ConnectionID(fmt.Sprintf("c%d", i))
		v := domain.UserID(fmt.Sprintf("v%d", i))
		p := domain.UserID(fmt.Sprintf("p%d", i))
		for _, step := range []struct {
			from domain.UserID
			typ  domain.MessageType
		}{
			{v, domain.MessageICECandidate},
			{v, domain.MessageOffer},
			{p, domain.MessageAnswer},
			{p, domain.MessageConnectionEstablished},
		} {
			wg.Add(1)
			go func(from domain.UserID, typ domain.MessageType) {
				defer wg.Done()
				errs <- f.svc.Relay(ctx, domain.SignalingMessage{ConnectionID: id, Sender: from, Type: typ})
			}(step.from, step.typ)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// whatever the interleaving, established is the highest rank reached
	for i := 0; i < n; i++ {
		assert.Equal(t, domain.StatusConnected, f.status(t, domain.ConnectionID(fmt.Sprintf("c%d", i))))
	}
}

func TestEndToEndScenario(t *testing.T) {
	f := newSignalingFixture(t, true)
	ctx := context.Background()

	_, _, err := f.svc.InitializeConnection(ctx, "call", "viewer", "camera", domain.ConnectionOptions{})
	require.NoError(t, err)

	f.relay(t, "call", "viewer", domain.MessageOffer)
	f.relay(t, "call", "camera", domain.MessageAnswer)
	f.relay(t, "call", "viewer", domain.MessageICECandidate)
	f.relay(t, "call", "camera", domain.MessageICECandidate)
	f.relay(t, "call", "viewer", domain.MessageConnectionEstablished)
	require.Equal(t, domain.StatusConnected, f.status(t, "call"))

	_, err = f.keys.GenerateKeyPair(ctx, "viewer")
	require.NoError(t, err)
	_, err = f.keys.GenerateKeyPair(ctx, "camera")
	require.NoError(t, err)
	require.NoError(t, f.keys.EstablishSharedSecret(ctx, "call", "viewer", "camera"))
	env, err := f.keys.Encrypt(ctx, "call", []byte("frame"))
	require.NoError(t, err)
	plain, err := f.keys.Decrypt(ctx, "call", env)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), plain)

	d1, err := f.svc.ReportNetworkSample(ctx, "call", "viewer", 400, 0)
	require.NoError(t, err)
	d2, err := f.svc.ReportNetworkSample(ctx, "call", "viewer", 400, 0)
	require.NoError(t, err)
	assert.Less(t, d2.Scale, d1.Scale)

	require.NoError(t, f.svc.EndConnection(ctx, "call", "viewer"))
	assert.Equal(t, domain.StatusClosed, f.status(t, "call"))
	assert.False(t, f.keys.HasSessionKey("call"))
	_, err = f.keys.Encrypt(ctx, "call", []byte("late"))
	assert.True(t, errors.Is(err, domain.ErrNoSessionKey))

	// every message reached the other side
	var toCamera, toViewer int
	for _, c := range f.deliverer.delivered("Deliver") {
		switch c.Arguments.Get(1) {
		case domain.UserID("camera"):
			toCamera++
		case domain.UserID("viewer"):
			toViewer++
		}
	}
	assert.Equal(t, 4, toCamera)
	assert.Equal(t, 2, toViewer)
}
