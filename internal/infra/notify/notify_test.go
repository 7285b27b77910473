//go:build !integration

package notify

import (
	"context"
	"errors"
	"testing"

	"advisor-agent/internal/domain/ports/adapter"
)

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) Publish(context.Context, adapter.Notification) error {
	c.n++
	return c.err
}

func TestFanout_PublishesToAll(t *testing.T) {
	boom := errors.New("down")
	a, b := &countingNotifier{err: boom}, &countingNotifier{}
	err := Fanout{a, b}.Publish(context.Background(), adapter.Notification{UserID: "u1"})
	if a.n != 1 || b.n != 1 {
		t.Errorf("every notifier must be called, got %d/%d", a.n, b.n)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
}
