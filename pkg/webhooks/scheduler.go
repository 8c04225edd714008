package webhooks

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// deliveryJob is one pending delivery attempt. The webhook config is looked
// up again at send time so deactivation and secret rotation take effect on
// retries.
type deliveryJob struct {
	WebhookID string
	Event     EventType
	Data      map[string]interface{}
	Attempt   int
	RecordID  string
}

type scheduledJob struct {
	at    time.Time
	job   *deliveryJob
	index int
}

type jobHeap []*scheduledJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x interface{}) { item := x.(*scheduledJob); item.index = len(*h); *h = append(*h, item) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retryScheduler holds due times in a min-heap behind a single timer, so
// retry volume does not translate into one OS timer per in-flight delivery.
type retryScheduler struct {
	mu   sync.Mutex
	jobs jobHeap
	wake chan struct{}
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{wake: make(chan struct{}, 1)}
}

// Schedule queues a job to be emitted at the given time.
func (s *retryScheduler) Schedule(job *deliveryJob, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.jobs, &scheduledJob{at: at, job: job})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of jobs waiting.
func (s *retryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run emits jobs as they come due until ctx is cancelled. No job is emitted
// after cancellation.
func (s *retryScheduler) Run(ctx context.Context, emit func(*deliveryJob)) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		wait := time.Until(next)
		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}

		for _, job := range s.popDue(time.Now()) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			emit(job)
		}
	}
}

func (s *retryScheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return time.Time{}, false
	}
	return s.jobs[0].at, true
}

func (s *retryScheduler) popDue(now time.Time) []*deliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*deliveryJob
	for len(s.jobs) > 0 && !s.jobs[0].at.After(now) {
		item := heap.Pop(&s.jobs).(*scheduledJob)
		due = append(due, item.job)
	}
	return due
}
