// Package nats carries agent notifications out and provider events in over NATS.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain/ports/adapter"
)

const (
	notifySubject = "advisor.notifications"
	eventSubject  = "advisor.events"
)

var _ adapter.Notifier = (*Bus)(nil)

// publisher is the part of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// EventHandler receives an inbound provider event for a user.
type EventHandler func(ctx context.Context, userID, eventType string, data map[string]any) error

// Bus publishes notifications and consumes inbound events.
type Bus struct {
	nc  *nats.Conn
	pub publisher
	log zerolog.Logger
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string, logger *zerolog.Logger) (*Bus, error) {
	log := logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", url).Msg("nats connected")
	return &Bus{nc: nc, pub: nc, log: log}, nil
}

func NotificationSubject(userID string) string {
	return notifySubject + "." + userID
}

// EventSubject is advisor.events.<user>.<type>.
func EventSubject(userID, eventType string) string {
	return eventSubject + "." + userID + "." + eventType
}

func (b *Bus) Publish(ctx context.Context, n adapter.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := b.pub.Publish(NotificationSubject(n.UserID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// SubscribeEvents delivers advisor.events.> messages to h. The returned func unsubscribes.
func (b *Bus) SubscribeEvents(ctx context.Context, h EventHandler) (func(), error) {
	sub, err := b.nc.Subscribe(eventSubject+".>", func(msg *nats.Msg) {
		b.dispatch(ctx, msg.Subject, msg.Data, h)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *Bus) dispatch(ctx context.Context, subject string, payload []byte, h EventHandler) {
	userID, eventType, ok := parseEventSubject(subject)
	if !ok {
		b.log.Warn().Str("subject", subject).Msg("malformed event subject")
		return
	}
	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			b.log.Warn().Err(err).Str("subject", subject).Msg("event payload is not a JSON object")
			return
		}
	}
	if err := h(ctx, userID, eventType, data); err != nil {
		b.log.Error().Err(err).Str("user_id", userID).Str("event_type", eventType).Msg("event rejected")
	}
}

func parseEventSubject(subject string) (userID, eventType string, ok bool) {
	rest, found := strings.CutPrefix(subject, eventSubject+".")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Close drains pending messages before closing.
func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
