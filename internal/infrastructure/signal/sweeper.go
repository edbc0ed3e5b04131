package signal

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"go.uber.org/zap"
)

type SweeperConfig struct {
	Interval           time.Duration
	NegotiationTimeout time.Duration // 0 disables
	MaxConnectionAge   time.Duration // 0 disables
}

// Sweeper closes connections that stalled during negotiation or outlived
// the maximum age. It ends them on behalf of the initiator so the receiver
// gets the usual connection-closed notice.
type Sweeper struct {
	cfg       SweeperConfig
	signaling ports.SignalingService
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewSweeper(cfg SweeperConfig, signaling ports.SignalingService, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{cfg: cfg, signaling: signaling, logger: logger, now: time.Now}
}

func (s *Sweeper) enabled() bool {
	return s.cfg.Interval > 0 && (s.cfg.NegotiationTimeout > 0 || s.cfg.MaxConnectionAge > 0)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.enabled() {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepOnce(ctx); n > 0 {
				s.logger.Infow("swept stale connections", "count", n)
			}
		}
	}
}

func (s *Sweeper) expired(c *domain.Connection, now time.Time) bool {
	age := now.Sub(c.CreatedAt)
	if s.cfg.NegotiationTimeout > 0 && c.Status != domain.StatusConnected && age > s.cfg.NegotiationTimeout {
		return true
	}
	return s.cfg.MaxConnectionAge > 0 && age > s.cfg.MaxConnectionAge
}

// SweepOnce ends every expired connection and returns how many it ended.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	conns, err := s.signaling.ListConnections(ctx)
	if err != nil {
		s.logger.Warnw("sweep could not list connections", "error", err)
		return 0
	}

	now := s.now()
	ended := 0
	for _, c := range conns {
		if c.Status.IsTerminal() || !s.expired(c, now) {
			continue
		}
		if err := s.signaling.EndConnection(ctx, c.ID, c.Initiator); err != nil {
			s.logger.Warnw("sweep could not end connection", "connection_id", c.ID, "error", err)
			continue
		}
		s.logger.Infow("ended stale connection",
			"connection_id", c.ID,
			"status", c.Status,
			"age", now.Sub(c.CreatedAt).String(),
		)
		ended++
	}
	return ended
}
