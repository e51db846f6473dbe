package detection

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
)

const (
	DefaultQueueCapacity        = 256
	DefaultLowPriorityThreshold = 192

	DefaultRetryBackoffBase = 30 * time.Second
	DefaultRetryBackoffMax  = 10 * time.Minute
)

// Clock abstracts time for the delayed-requeue path so backoff can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) Now() time.Time                                  { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }

type QueuedJob struct {
	JobId         string
	SellerId      string
	SyncId        string
	Priority      models.JobPriority
	Attempt       int
	CorrelationId string
	TriggeredBy   string

	seq uint64
}

// JobQueue is an in-process priority queue. Admission is guarded by an
// atomic pending counter so concurrent producers cannot push the queue past
// capacity; low-priority jobs are shed earlier, at LowPriorityThreshold.
type JobQueue struct {
	mu     sync.Mutex
	levels map[models.JobPriority]*list.List

	pending atomic.Int64
	seq     atomic.Uint64

	Capacity             int64
	LowPriorityThreshold int64

	BackoffBase time.Duration
	BackoffMax  time.Duration
	clock       Clock

	notify chan struct{}
	closed atomic.Bool
}

func NewJobQueue() *JobQueue {
	q := &JobQueue{
		levels: map[models.JobPriority]*list.List{
			models.JobPriorityCritical: list.New(),
			models.JobPriorityHigh:     list.New(),
			models.JobPriorityNormal:   list.New(),
			models.JobPriorityLow:      list.New(),
		},
		Capacity:             DefaultQueueCapacity,
		LowPriorityThreshold: DefaultLowPriorityThreshold,
		BackoffBase:          DefaultRetryBackoffBase,
		BackoffMax:           DefaultRetryBackoffMax,
		clock:                realClock{},
		notify:               make(chan struct{}, 1),
	}
	return q
}

// Enqueue admits a job or returns utils.ErrQueueSaturated. The pending
// counter is reserved with a compare-and-swap before the job is linked in,
// so two racing producers cannot both take the last slot.
func (q *JobQueue) Enqueue(job QueuedJob) error {
	limit := q.Capacity
	if job.Priority == models.JobPriorityLow {
		limit = q.LowPriorityThreshold
	}
	if !q.reserve(limit) {
		config.MetricJobsDropped.WithLabelValues(string(job.Priority)).Inc()
		return utils.ErrQueueSaturated
	}
	q.push(job)
	return nil
}

// Requeue schedules a retry after an exponential backoff. Retries bypass
// the low-priority shed threshold: a job already admitted keeps its slot.
func (q *JobQueue) Requeue(job QueuedJob) time.Duration {
	delay := q.BackoffDelay(job.Attempt)
	if !q.reserve(q.Capacity) {
		// Saturated with retries pending is pathological but survivable:
		// admit anyway, the counter still tracks true depth.
		q.pending.Add(1)
		config.MetricQueueDepth.Set(float64(q.pending.Load()))
	}
	q.clock.AfterFunc(delay, func() {
		if q.closed.Load() {
			q.release()
			return
		}
		q.push(job)
	})
	return delay
}

// BackoffDelay returns base*2^(attempt-1) capped at BackoffMax.
func (q *JobQueue) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.BackoffMax {
			return q.BackoffMax
		}
	}
	if delay > q.BackoffMax {
		delay = q.BackoffMax
	}
	return delay
}

// Dequeue pops the highest-priority job, FIFO within a level. It blocks
// until a job is available or stop is closed, returning false on shutdown.
func (q *JobQueue) Dequeue(stop <-chan struct{}) (QueuedJob, bool) {
	for {
		if job, ok := q.pop(); ok {
			// The notify buffer holds one token, so a push racing another
			// push can go unsignalled. Hand the wakeup on if work remains.
			if q.pending.Load() > 0 {
				q.signal()
			}
			return job, true
		}
		select {
		case <-q.notify:
		case <-stop:
			return QueuedJob{}, false
		}
	}
}

func (q *JobQueue) Depth() int64 { return q.pending.Load() }

func (q *JobQueue) Close() { q.closed.Store(true) }

func (q *JobQueue) reserve(limit int64) bool {
	for {
		cur := q.pending.Load()
		if cur >= limit {
			return false
		}
		if q.pending.CompareAndSwap(cur, cur+1) {
			config.MetricQueueDepth.Set(float64(cur + 1))
			return true
		}
	}
}

func (q *JobQueue) release() {
	config.MetricQueueDepth.Set(float64(q.pending.Add(-1)))
}

func (q *JobQueue) push(job QueuedJob) {
	job.seq = q.seq.Add(1)
	q.mu.Lock()
	q.levels[job.Priority].PushBack(job)
	q.mu.Unlock()
	q.signal()
}

func (q *JobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var dequeueOrder = []models.JobPriority{
	models.JobPriorityCritical,
	models.JobPriorityHigh,
	models.JobPriorityNormal,
	models.JobPriorityLow,
}

func (q *JobQueue) pop() (QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range dequeueOrder {
		l := q.levels[p]
		if front := l.Front(); front != nil {
			l.Remove(front)
			q.release()
			return front.Value.(QueuedJob), true
		}
	}
	return QueuedJob{}, false
}
