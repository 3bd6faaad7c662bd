package whatsapp

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryTracker counts reconnect attempts per session id and hands out the
// delay before each attempt.
type retryTracker struct {
	max        int
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	counts   map[string]int
	backoffs map[string]backoff.BackOff
}

func newRetryTracker(max int, newBackOff func() backoff.BackOff) *retryTracker {
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	return &retryTracker{
		max:        max,
		newBackOff: newBackOff,
		counts:     make(map[string]int),
		backoffs:   make(map[string]backoff.BackOff),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// next decides what to do after a session closed. A logged out session is
// never retried; otherwise it is retried until max attempts are used up.
func (r *retryTracker) next(sessionID string, loggedOut bool) (retry bool, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.counts[sessionID]
	if loggedOut || count >= r.max {
		delete(r.counts, sessionID)
		delete(r.backoffs, sessionID)
		return false, count, 0
	}

	b, ok := r.backoffs[sessionID]
	if !ok {
		b = r.newBackOff()
		r.backoffs[sessionID] = b
	}

	count++
	r.counts[sessionID] = count

	delay = b.NextBackOff()
	if delay == backoff.Stop {
		delay = 0
	}
	return true, count, delay
}

func (r *retryTracker) reset(sessionID string) {
	r.mu.Lock()
	delete(r.counts, sessionID)
	delete(r.backoffs, sessionID)
	r.mu.Unlock()
}

func (r *retryTracker) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sessionID]
}
