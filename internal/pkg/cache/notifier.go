package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/FoxPay/internal/pkg/idempotency"
)

const completionChannelPrefix = "foxpay:idempotency:done"

// Notifier publishes idempotency completions over Redis pub/sub so waiters on
// other instances stop polling early.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

func channelFor(s idempotency.Scope) string {
	return fmt.Sprintf("%s:%d:%s:%s", completionChannelPrefix, s.UserID, s.Action, s.Key)
}

func (n *Notifier) Publish(ctx context.Context, s idempotency.Scope) error {
	return n.client.Publish(ctx, channelFor(s), "1").Err()
}

// Subscribe returns a channel that receives a value per completion message
// and a function releasing the subscription.
func (n *Notifier) Subscribe(ctx context.Context, s idempotency.Scope) (<-chan struct{}, func(), error) {
	sub := n.client.Subscribe(ctx, channelFor(s))
	// Wait for the subscription confirmation so no publish is missed after
	// the caller's first store check.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	wake := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		for range msgs {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, func() { _ = sub.Close() }, nil
}

var _ idempotency.Notifier = (*Notifier)(nil)
