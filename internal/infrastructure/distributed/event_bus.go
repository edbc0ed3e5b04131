package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery is a frame addressed to a participant whose socket lives on
// another instance.
type Delivery struct {
	Target    string          `json:"target"`
	Origin    string          `json:"origin"`
	Recipient domain.UserID   `json:"recipient"`
	Frame     json.RawMessage `json:"frame"`
	SentAt    time.Time       `json:"sent_at"`
}

// DeliveryBus carries deliveries between instances over Redis pub/sub.
type DeliveryBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
}

func NewDeliveryBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *DeliveryBus {
	return &DeliveryBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (b *DeliveryBus) PublishDelivery(ctx context.Context, target string, recipient domain.UserID, frame []byte) error {
	ctx, span := tracing.TraceBus(ctx, "publish", b.channel)
	defer span.End()

	data, err := json.Marshal(Delivery{
		Target:    target,
		Origin:    b.instanceID,
		Recipient: recipient,
		Frame:     frame,
		SentAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	receivers, err := b.client.Publish(ctx, b.channel, data).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish delivery: %w", err)
	}
	if receivers == 0 {
		return domain.ErrRecipientOffline
	}
	return nil
}

// Run subscribes and hands every delivery addressed to this instance to
// handle until ctx is done.
func (b *DeliveryBus) Run(ctx context.Context, handle func(recipient domain.UserID, frame []byte) error) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Infow("delivery bus subscribed", "channel", b.channel, "instance_id", b.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Payload, handle)
		}
	}
}

func (b *DeliveryBus) dispatch(payload string, handle func(domain.UserID, []byte) error) {
	var d Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		b.logger.Warnw("dropping malformed delivery", "error", err)
		return
	}
	if d.Target != b.instanceID {
		return
	}
	if err := handle(d.Recipient, d.Frame); err != nil {
		b.logger.Debugw("remote delivery dropped",
			"recipient", d.Recipient,
			"origin", d.Origin,
			"error", err,
		)
	}
}
