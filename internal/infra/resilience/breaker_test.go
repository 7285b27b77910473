//go:build !integration

package resilience

import (
	"errors"
	"testing"
	"time"
)

var (
	errDown     = errors.New("service unavailable")
	errRejected = errors.New("bad request")
)

func TestBreaker(t *testing.T) {
	t.Run("should open after max failures", func(t *testing.T) {
		b := NewBreaker(3, time.Second)
		for i := 0; i < 3; i++ {
			_ = b.Execute(func() error { return errDown })
		}
		called := false
		err := b.Execute(func() error { called = true; return nil })
		if !errors.Is(err, ErrCircuitOpen) || called {
			t.Fatalf("expected open circuit, got %v (called=%v)", err, called)
		}
		if b.State() != "open" {
			t.Errorf("expected open state, got %s", b.State())
		}
	})

	t.Run("should admit a trial call after cooldown and close on success", func(t *testing.T) {
		now := time.Now()
		b := NewBreaker(2, time.Second)
		b.now = func() time.Time { return now }
		_ = b.Execute(func() error { return errDown })
		_ = b.Execute(func() error { return errDown })

		now = now.Add(2 * time.Second)
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("trial call should pass, got %v", err)
		}
		if b.State() != "closed" {
			t.Errorf("expected closed, got %s", b.State())
		}
	})

	t.Run("should reopen when the trial call fails", func(t *testing.T) {
		now := time.Now()
		b := NewBreaker(2, time.Second)
		b.now = func() time.Time { return now }
		_ = b.Execute(func() error { return errDown })
		_ = b.Execute(func() error { return errDown })
		now = now.Add(2 * time.Second)
		_ = b.Execute(func() error { return errDown })
		if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("expected reopened circuit, got %v", err)
		}
	})

	t.Run("should ignore errors outside the predicate", func(t *testing.T) {
		b := NewBreaker(1, time.Second).CountOnly(func(err error) bool { return errors.Is(err, errDown) })
		for i := 0; i < 5; i++ {
			if err := b.Execute(func() error { return errRejected }); !errors.Is(err, errRejected) {
				t.Fatalf("expected caller error back, got %v", err)
			}
		}
		if b.State() != "closed" {
			t.Errorf("client errors must not trip the breaker")
		}
	})
}
