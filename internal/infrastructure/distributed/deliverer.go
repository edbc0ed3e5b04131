package distributed

import (
	"context"
	"errors"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/signal"
	"camrelay/pkg/circuitbreaker"
)

type Locator interface {
	Locate(ctx context.Context, user domain.UserID) (instance string, ok bool, err error)
}

type Publisher interface {
	PublishDelivery(ctx context.Context, target string, recipient domain.UserID, frame []byte) error
}

// Deliverer sends to local sockets first and falls back to the instance
// that presence says holds the recipient. The remote path runs behind a
// circuit breaker so a Redis outage fails relays fast instead of stalling
// them.
type Deliverer struct {
	local      *signal.Hub
	locator    Locator
	publisher  Publisher
	instanceID string
	breaker    *circuitbreaker.Breaker
}

func NewDeliverer(local *signal.Hub, locator Locator, publisher Publisher, instanceID string, breaker *circuitbreaker.Breaker) *Deliverer {
	if breaker == nil {
		breaker = NewRemoteBreaker(circuitbreaker.DefaultConfig())
	}
	return &Deliverer{
		local:      local,
		locator:    locator,
		publisher:  publisher,
		instanceID: instanceID,
		breaker:    breaker,
	}
}

// NewRemoteBreaker builds a breaker that ignores offline recipients, which
// say nothing about Redis health.
func NewRemoteBreaker(cfg circuitbreaker.Config) *circuitbreaker.Breaker {
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrRecipientOffline)
	}
	return circuitbreaker.New(cfg)
}

func (d *Deliverer) send(ctx context.Context, user domain.UserID, frame []byte) error {
	err := d.local.Send(user, frame)
	if !errors.Is(err, domain.ErrRecipientOffline) {
		return err
	}

	err = d.breaker.Do(ctx, func(ctx context.Context) error {
		instance, ok, err := d.locator.Locate(ctx, user)
		if err != nil {
			return err
		}
		if !ok || instance == d.instanceID {
			return domain.ErrRecipientOffline
		}
		return d.publisher.PublishDelivery(ctx, instance, user, frame)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: cross-instance delivery suspended", domain.ErrRecipientOffline)
	}
	return err
}

// Send implements signal.FrameSender.
func (d *Deliverer) Send(user domain.UserID, frame []byte) error {
	return d.send(context.Background(), user, frame)
}

func (d *Deliverer) Deliver(ctx context.Context, recipient domain.UserID, msg domain.SignalingMessage) error {
	frame, err := signal.EncodeSignaling(msg)
	if err != nil {
		return err
	}
	return d.send(ctx, recipient, frame)
}

func (d *Deliverer) PushQualityUpdate(ctx context.Context, id domain.ConnectionID, recipient domain.UserID, decision domain.QualityDecision) error {
	frame, err := signal.EncodeQuality(id, decision)
	if err != nil {
		return err
	}
	return d.send(ctx, recipient, frame)
}

var (
	_ ports.Deliverer    = (*Deliverer)(nil)
	_ signal.FrameSender = (*Deliverer)(nil)
)
