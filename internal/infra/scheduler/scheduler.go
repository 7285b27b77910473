package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic unit of work. It returns how many items it handled.
type Job interface {
	Name() string
	Run(ctx context.Context) (int, error)
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) (int, error)
}

func (f JobFunc) Name() string                          { return f.JobName }
func (f JobFunc) Run(ctx context.Context) (int, error) { return f.Fn(ctx) }

// Scheduler periodically runs a Job with a bounded timeout per run.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	job      Job
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler runs job every interval. If interval <= 0 it defaults to 1 minute.
func NewScheduler(interval time.Duration, job Job, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval: interval,
		timeout:  30 * time.Second,
		job:      job,
		log:      logger.With().Str("component", "scheduler").Str("job", job.Name()).Logger(),
		done:     make(chan struct{}),
	}
}

// Start begins the loop in a background goroutine; calling Start twice has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parentCtx)
	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Debug().Dur("interval", s.interval).Msg("started")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	n, err := s.job.Run(runCtx)
	if err != nil {
		s.log.Warn().Err(err).Msg("job run failed")
		return
	}
	if n > 0 {
		s.log.Debug().Int("handled", n).Msg("job run")
	}
}

// Stop cancels the loop and waits for it to finish. It is idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
}
