package memory

import (
	"log"
	"sync"
	"time"
)

// QueuedOp is one deferred backend write.
type QueuedOp struct {
	Query      string
	Params     []interface{}
	EnqueuedAt time.Time
}

// RetryStats snapshots the buffer counters.
type RetryStats struct {
	Size          int   `json:"size"`
	Capacity      int   `json:"capacity"`
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalFlushed  int64 `json:"total_flushed"`
	TotalDropped  int64 `json:"total_dropped"`
}

// RetryBuffer is the bounded in-process FIFO that absorbs backend writes
// during an outage. On overflow the oldest operation is evicted; operations
// older than maxAge are discarded without being attempted.
type RetryBuffer struct {
	mu       sync.Mutex
	ops      []QueuedOp
	capacity int
	maxAge   time.Duration

	totalEnqueued int64
	totalFlushed  int64
	totalDropped  int64

	logger *log.Logger
}

// NewRetryBuffer creates a buffer with the given capacity and max age.
// Defaults: capacity 1000, max age 5 minutes.
func NewRetryBuffer(capacity int, maxAge time.Duration) *RetryBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RetryBuffer{
		capacity: capacity,
		maxAge:   maxAge,
		logger:   log.New(log.Writer(), "[RetryBuffer] ", log.LstdFlags),
	}
}

// Enqueue appends an operation, evicting the oldest when full.
func (rb *RetryBuffer) Enqueue(op QueuedOp) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	if len(rb.ops) >= rb.capacity {
		rb.ops = rb.ops[1:]
		rb.totalDropped++
	}
	rb.ops = append(rb.ops, op)
	rb.totalEnqueued++
}

// Flush drains operations oldest-first through exec. On the first failure
// the failed operation is put back at the head and the cycle stops; the
// next tick resumes from there. Returns the number flushed.
func (rb *RetryBuffer) Flush(exec func(QueuedOp) error) int {
	flushed := 0
	for {
		rb.mu.Lock()
		if len(rb.ops) == 0 {
			rb.mu.Unlock()
			return flushed
		}
		op := rb.ops[0]
		rb.ops = rb.ops[1:]
		rb.mu.Unlock()

		if err := exec(op); err != nil {
			rb.mu.Lock()
			// Put the failed op back at the head, respecting capacity.
			if len(rb.ops) < rb.capacity {
				rb.ops = append([]QueuedOp{op}, rb.ops...)
			} else {
				rb.totalDropped++
			}
			rb.mu.Unlock()
			rb.logger.Printf("Flush halted after %d ops: %v", flushed, err)
			return flushed
		}

		rb.mu.Lock()
		rb.totalFlushed++
		rb.mu.Unlock()
		flushed++
	}
}

// DrainValid discards expired operations without attempting them and
// returns how many were dropped.
func (rb *RetryBuffer) DrainValid() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cutoff := time.Now().Add(-rb.maxAge)
	kept := rb.ops[:0]
	dropped := 0
	for _, op := range rb.ops {
		if op.EnqueuedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, op)
	}
	rb.ops = kept
	rb.totalDropped += int64(dropped)

	if dropped > 0 {
		rb.logger.Printf("Dropped %d expired ops", dropped)
	}
	return dropped
}

// Size returns the number of queued operations.
func (rb *RetryBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.ops)
}

// NearCapacity reports whether the buffer is at or beyond 90% full; the
// phoenix recovery trigger.
func (rb *RetryBuffer) NearCapacity() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.ops)*10 >= rb.capacity*9
}

// Stats snapshots the counters.
func (rb *RetryBuffer) Stats() RetryStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return RetryStats{
		Size:          len(rb.ops),
		Capacity:      rb.capacity,
		TotalEnqueued: rb.totalEnqueued,
		TotalFlushed:  rb.totalFlushed,
		TotalDropped:  rb.totalDropped,
	}
}
