//go:build !integration

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduler_RunsUntilStopped(t *testing.T) {
	logger := zerolog.Nop()
	var runs atomic.Int32
	job := JobFunc{JobName: "count", Fn: func(ctx context.Context) (int, error) {
		if runs.Add(1)%2 == 0 {
			return 0, errors.New("flaky")
		}
		return 1, nil
	}}

	s := NewScheduler(5*time.Millisecond, job, &logger)
	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("expected the job to keep running after an error, ran %d times", runs.Load())
	}

	s.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job ran after Stop")
	}
	s.Stop()
}
