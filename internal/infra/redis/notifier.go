package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*Notifier)(nil)

// Notifier publishes notifications on a per-user pub/sub channel.
type Notifier struct {
	client RedisClient
	prefix string
}

func NewNotifier(client RedisClient, prefix string) *Notifier {
	if prefix == "" {
		prefix = "agent:notifications"
	}
	return &Notifier{client: client, prefix: prefix}
}

func (n *Notifier) Channel(userID string) string {
	return fmt.Sprintf("%s:%s", n.prefix, userID)
}

func (n *Notifier) Publish(ctx context.Context, msg adapter.Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.Channel(msg.UserID), data)
}
