package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Scheduler decides when an idle worker looks for work again.
type Scheduler interface {
	// Wait blocks until d elapses, a job is announced, or ctx is done.
	Wait(ctx context.Context, d time.Duration) error

	// Notify announces that jobID is ready to run.
	Notify(ctx context.Context, jobID uuid.UUID) error
}

// signal is a one-slot wakeup shared by the schedulers.
type signal chan struct{}

func newSignal() signal { return make(signal, 1) }

func (s signal) wake() {
	select {
	case s <- struct{}{}:
	default:
	}
}

func (s signal) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-s:
	}
	return nil
}

// PollScheduler sleeps for the idle interval. Notifications from the same
// process cut the sleep short.
type PollScheduler struct {
	wakeup signal
}

// NewPollScheduler creates a timer-based scheduler.
func NewPollScheduler() *PollScheduler {
	return &PollScheduler{wakeup: newSignal()}
}

// Wait implements Scheduler.
func (s *PollScheduler) Wait(ctx context.Context, d time.Duration) error {
	return s.wakeup.wait(ctx, d)
}

// Notify implements Scheduler.
func (s *PollScheduler) Notify(ctx context.Context, jobID uuid.UUID) error {
	s.wakeup.wake()
	return nil
}
