package conveyor

import (
	"time"

	"golang.org/x/time/rate"
)

// jobQueue is the runtime's handle on one workflow's dedicated queue: its
// rate limiter and wakeup channel. The runtime owns an explicit map of
// these, populated at boot; there is no process-global registry. Queue-wide
// pause state lives on the blocking job's row in the store, so every
// process sharing the store observes it through ClaimJob.
type jobQueue struct {
	workflow *Workflow
	limiter  *rate.Limiter
	wake     chan struct{}
}

func newJobQueue(w *Workflow) *jobQueue {
	q := &jobQueue{
		workflow: w,
		wake:     make(chan struct{}, 1),
	}
	if rl := w.RateLimit(); rl != nil && rl.Max > 0 && rl.Duration > 0 {
		q.limiter = rate.NewLimiter(rate.Every(rl.Duration/time.Duration(rl.Max)), rl.Max)
	}
	return q
}

// notify nudges the queue's claim loops without blocking.
func (q *jobQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// reserve takes one rate limit token and returns the reservation so the
// caller can hand the token back when no claim materializes. Nil means the
// queue is unlimited.
func (q *jobQueue) reserve() *rate.Reservation {
	if q.limiter == nil {
		return nil
	}
	return q.limiter.Reserve()
}
