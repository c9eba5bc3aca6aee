package supervisor

import (
	"sync"
	"time"
)

// quotaTimers holds one deferred auto-stop per instance ID, so a stale timer
// from an earlier launch can never touch a newer instance of the same bot.
type quotaTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newQuotaTimers() *quotaTimers {
	return &quotaTimers{timers: make(map[string]*time.Timer)}
}

func (q *quotaTimers) Schedule(instanceID string, after time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if old, ok := q.timers[instanceID]; ok {
		old.Stop()
	}
	q.timers[instanceID] = time.AfterFunc(after, func() {
		q.mu.Lock()
		_, live := q.timers[instanceID]
		delete(q.timers, instanceID)
		q.mu.Unlock()
		if live {
			fn()
		}
	})
}

func (q *quotaTimers) Cancel(instanceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[instanceID]; ok {
		t.Stop()
		delete(q.timers, instanceID)
	}
}

func (q *quotaTimers) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *quotaTimers) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}
