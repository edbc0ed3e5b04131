package signal

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeper_EndsStalledNegotiations(t *testing.T) {
	hub := NewHub(4, zap.NewNop().Sugar())
	svc := newSignaling(t, hub)
	ctx := context.Background()

	_, _, err := svc.InitializeConnection(ctx, "stalled", "a", "b", domain.ConnectionOptions{})
	require.NoError(t, err)
	_, _, err = svc.InitializeConnection(ctx, "live", "c", "d", domain.ConnectionOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Relay(ctx, domain.SignalingMessage{ConnectionID: "live", Sender: "c", Type: domain.MessageConnectionEstablished}))

	sw := NewSweeper(SweeperConfig{Interval: time.Second, NegotiationTimeout: 2 * time.Minute}, svc, zap.NewNop().Sugar())

	assert.Equal(t, 0, sw.SweepOnce(ctx))

	sw.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	assert.Equal(t, 1, sw.SweepOnce(ctx))

	st, err := svc.GetStatus(ctx, "stalled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, st)
	st, err = svc.GetStatus(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, st)

	// already closed connections are left alone
	assert.Equal(t, 0, sw.SweepOnce(ctx))
}

func TestSweeper_MaxAge(t *testing.T) {
	hub := NewHub(4, zap.NewNop().Sugar())
	svc := newSignaling(t, hub)
	ctx := context.Background()

	_, _, err := svc.InitializeConnection(ctx, "live", "c", "d", domain.ConnectionOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Relay(ctx, domain.SignalingMessage{ConnectionID: "live", Sender: "d", Type: domain.MessageConnectionEstablished}))

	sw := NewSweeper(SweeperConfig{Interval: time.Second, MaxConnectionAge: time.Hour}, svc, zap.NewNop().Sugar())
	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, sw.SweepOnce(ctx))

	active, err := svc.GetActiveConnection(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSweeper_RunDisabledReturns(t *testing.T) {
	sw := NewSweeper(SweeperConfig{}, nil, zap.NewNop().Sugar())
	done := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper did not return")
	}
}
