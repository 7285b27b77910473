// Package notify fans agent notifications out to every configured channel.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain/ports/adapter"
)

var (
	_ adapter.Notifier = (Fanout)(nil)
	_ adapter.Notifier = (*LogNotifier)(nil)
)

// Fanout publishes to every notifier and joins their errors.
type Fanout []adapter.Notifier

func (f Fanout) Publish(ctx context.Context, n adapter.Notification) error {
	var errs []error
	for _, x := range f {
		if err := x.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log; used when no channel is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Publish(_ context.Context, n adapter.Notification) error {
	l.log.Info().
		Str("user_id", n.UserID).
		Str("type", n.Type).
		Str("task_id", n.TaskID).
		Str("message", n.Message).
		Msg("notification")
	return nil
}
