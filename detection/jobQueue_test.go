package detection

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []struct {
		at time.Time
		f  func()
	}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) *time.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, struct {
		at time.Time
		f  func()
	}{c.now.Add(d), f})
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var fire []func()
	var rest []struct {
		at time.Time
		f  func()
	}
	for _, p := range c.pending {
		if !p.at.After(c.now) {
			fire = append(fire, p.f)
		} else {
			rest = append(rest, p)
		}
	}
	c.pending = rest
	c.mu.Unlock()
	for _, f := range fire {
		f()
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestJobQueue_PriorityAndFIFOOrder(t *testing.T) {
	q := NewJobQueue()
	jobs := []QueuedJob{
		{JobId: "low-1", Priority: models.JobPriorityLow},
		{JobId: "normal-1", Priority: models.JobPriorityNormal},
		{JobId: "critical-1", Priority: models.JobPriorityCritical},
		{JobId: "critical-2", Priority: models.JobPriorityCritical},
		{JobId: "high-1", Priority: models.JobPriorityHigh},
	}
	for _, j := range jobs {
		if err := q.Enqueue(j); err != nil {
			t.Fatalf("Enqueue(%s): %v", j.JobId, err)
		}
	}

	want := []string{"critical-1", "critical-2", "high-1", "normal-1", "low-1"}
	stop := closedChan()
	for _, expected := range want {
		job, ok := q.Dequeue(stop)
		if !ok {
			t.Fatalf("Dequeue returned closed before %s", expected)
		}
		if job.JobId != expected {
			t.Fatalf("expected %s, got %s", expected, job.JobId)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("expected drained queue, depth=%d", q.Depth())
	}
}

func TestJobQueue_LowPrioritySheddingUnderConcurrency(t *testing.T) {
	q := NewJobQueue()
	q.Capacity = 16
	q.LowPriorityThreshold = 8

	const producers = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	lowAdmitted, lowDropped, criticalAdmitted := 0, 0, 0

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				err := q.Enqueue(QueuedJob{JobId: fmt.Sprintf("low-%d", i), Priority: models.JobPriorityLow})
				mu.Lock()
				if err == nil {
					lowAdmitted++
				} else if errors.Is(err, utils.ErrQueueSaturated) {
					lowDropped++
				}
				mu.Unlock()
			} else {
				err := q.Enqueue(QueuedJob{JobId: fmt.Sprintf("critical-%d", i), Priority: models.JobPriorityCritical})
				mu.Lock()
				if err == nil {
					criticalAdmitted++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if q.Depth() > q.Capacity {
		t.Fatalf("racing producers breached capacity: depth=%d cap=%d", q.Depth(), q.Capacity)
	}
	if lowAdmitted > int(q.LowPriorityThreshold) {
		t.Fatalf("low-priority admissions breached threshold: %d > %d", lowAdmitted, q.LowPriorityThreshold)
	}
	if lowDropped == 0 {
		t.Fatalf("expected some low-priority drops with %d producers", producers)
	}
	if criticalAdmitted == 0 {
		t.Fatal("critical jobs must still be admitted while low priority sheds")
	}
}

func TestJobQueue_CriticalAdmittedAfterLowShed(t *testing.T) {
	q := NewJobQueue()
	q.Capacity = 4
	q.LowPriorityThreshold = 2

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(QueuedJob{JobId: fmt.Sprintf("low-%d", i), Priority: models.JobPriorityLow}); err != nil {
			t.Fatalf("low enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(QueuedJob{JobId: "low-extra", Priority: models.JobPriorityLow}); !errors.Is(err, utils.ErrQueueSaturated) {
		t.Fatalf("expected saturation for low above threshold, got %v", err)
	}
	if err := q.Enqueue(QueuedJob{JobId: "critical-1", Priority: models.JobPriorityCritical}); err != nil {
		t.Fatalf("critical must be admitted up to full capacity: %v", err)
	}
}

func TestJobQueue_BackoffDelayDoublesAndCaps(t *testing.T) {
	q := NewJobQueue()
	q.BackoffBase = 30 * time.Second
	q.BackoffMax = 10 * time.Minute

	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{6, 10 * time.Minute},
		{12, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := q.BackoffDelay(tc.attempt); got != tc.expected {
			t.Fatalf("BackoffDelay(%d) expected %s, got %s", tc.attempt, tc.expected, got)
		}
	}
}

func TestJobQueue_RequeueDeliversAfterBackoff(t *testing.T) {
	q := NewJobQueue()
	clock := newFakeClock()
	q.clock = clock

	delay := q.Requeue(QueuedJob{JobId: "retry-1", Priority: models.JobPriorityHigh, Attempt: 2})
	if delay != 60*time.Second {
		t.Fatalf("expected 60s backoff for attempt 2, got %s", delay)
	}

	if job, ok := q.pop(); ok {
		t.Fatalf("job must not be visible before backoff elapses, got %s", job.JobId)
	}

	clock.advance(59 * time.Second)
	if _, ok := q.pop(); ok {
		t.Fatal("job visible 1s early")
	}

	clock.advance(2 * time.Second)
	job, ok := q.pop()
	if !ok {
		t.Fatal("job must be deliverable after backoff")
	}
	if job.JobId != "retry-1" || job.Attempt != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestJobQueue_WakeupHandedOffToSecondConsumer(t *testing.T) {
	q := NewJobQueue()
	stop := make(chan struct{})
	defer close(stop)

	got := make(chan QueuedJob, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if job, ok := q.Dequeue(stop); ok {
				got <- job
			}
		}()
	}
	// Both consumers park on the 1-buffered notify channel, then two pushes
	// land back to back: only one token fits, the first pop must re-signal.
	time.Sleep(50 * time.Millisecond)
	if err := q.Enqueue(QueuedJob{JobId: "job-1", Priority: models.JobPriorityHigh}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(QueuedJob{JobId: "job-2", Priority: models.JobPriorityHigh}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("a queued job was never handed to a parked consumer")
		}
	}
}

func TestJobQueue_DropMetricLabelledByPriority(t *testing.T) {
	q := NewJobQueue()
	q.Capacity = 0
	q.LowPriorityThreshold = 0

	highBefore := testutil.ToFloat64(config.MetricJobsDropped.WithLabelValues("high"))
	lowBefore := testutil.ToFloat64(config.MetricJobsDropped.WithLabelValues("low"))

	if err := q.Enqueue(QueuedJob{JobId: "h-1", Priority: models.JobPriorityHigh}); !errors.Is(err, utils.ErrQueueSaturated) {
		t.Fatalf("expected saturation, got %v", err)
	}
	if err := q.Enqueue(QueuedJob{JobId: "l-1", Priority: models.JobPriorityLow}); !errors.Is(err, utils.ErrQueueSaturated) {
		t.Fatalf("expected saturation, got %v", err)
	}

	if got := testutil.ToFloat64(config.MetricJobsDropped.WithLabelValues("high")) - highBefore; got != 1 {
		t.Fatalf("expected one high-priority drop recorded, got %v", got)
	}
	if got := testutil.ToFloat64(config.MetricJobsDropped.WithLabelValues("low")) - lowBefore; got != 1 {
		t.Fatalf("expected one low-priority drop recorded, got %v", got)
	}
}
