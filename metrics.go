package parloop

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for a ThreadPool. All metrics are
// optional and are only populated when the pool is created with
// WithMetrics(true); reading them is always safe.
type Metrics struct {
	// TaskLatency tracks how long each Task.exec call takes.
	TaskLatency LatencyMetrics

	// Queue tracks job/task queue depth.
	Queue QueueMetrics

	// Completions counts successful task executions per second.
	Completions TPSCounter

	// Rollbacks counts Job rollbacks per second.
	Rollbacks TPSCounter
}

// LatencyMetrics tracks task-execution latency distribution using the
// P-Square streaming quantile algorithm (O(1) per observation).
type LatencyMetrics struct {
	psquare *pSquareMultiQuantile

	mu sync.RWMutex

	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	Mean time.Duration
	Sum  time.Duration
}

// sampleSize is the maximum number of latency samples retained for the
// exact-percentile fallback used until the P-Square estimator warms up.
const sampleSize = 1000

// Record records a task-execution latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.psquare == nil {
		l.psquare = newPSquareMultiQuantile(0.50, 0.90, 0.95, 0.99)
	}
	l.psquare.Update(float64(duration))

	if l.sampleCount >= sampleSize {
		old := l.samples[l.sampleIdx]
		l.Sum -= old
	}
	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample recomputes the cached percentile fields and returns the number of
// samples used.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}

	if count < 5 || l.psquare == nil {
		sorted := make([]time.Duration, count)
		copy(sorted, l.samples[:count])
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		l.P50 = sorted[percentileIndex(count, 50)]
		l.P90 = sorted[percentileIndex(count, 90)]
		l.P95 = sorted[percentileIndex(count, 95)]
		l.P99 = sorted[percentileIndex(count, 99)]
		l.Max = sorted[count-1]
		l.Mean = l.Sum / time.Duration(count)
		return count
	}

	l.P50 = time.Duration(l.psquare.Quantile(0))
	l.P90 = time.Duration(l.psquare.Quantile(1))
	l.P95 = time.Duration(l.psquare.Quantile(2))
	l.P99 = time.Duration(l.psquare.Quantile(3))
	l.Max = time.Duration(l.psquare.Max())
	l.Mean = l.Sum / time.Duration(count)
	return count
}

func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks job/task queue depth with an exponential moving
// average, so a spike in enqueued work doesn't need a full histogram to spot.
type QueueMetrics struct {
	mu sync.RWMutex

	JobsCurrent  int
	TasksCurrent int

	JobsMax  int
	TasksMax int

	JobsAvg  float64
	TasksAvg float64

	jobsEMAInitialized  bool
	tasksEMAInitialized bool
}

// UpdateJobs records the current size of the active-job heap.
func (q *QueueMetrics) UpdateJobs(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.JobsCurrent = depth
	if depth > q.JobsMax {
		q.JobsMax = depth
	}
	if !q.jobsEMAInitialized {
		q.JobsAvg = float64(depth)
		q.jobsEMAInitialized = true
	} else {
		q.JobsAvg = 0.9*q.JobsAvg + 0.1*float64(depth)
	}
}

// UpdateTasks records the current size of a Job's task heap.
func (q *QueueMetrics) UpdateTasks(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.TasksCurrent = depth
	if depth > q.TasksMax {
		q.TasksMax = depth
	}
	if !q.tasksEMAInitialized {
		q.TasksAvg = float64(depth)
		q.tasksEMAInitialized = true
	} else {
		q.TasksAvg = 0.9*q.TasksAvg + 0.1*float64(depth)
	}
}

// TPSCounter tracks an event rate with a rolling window, used here for task
// completions and job rollbacks per second.
type TPSCounter struct {
	lastRotation atomic.Value // time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
	initOnce     sync.Once
}

func (t *TPSCounter) ensureInit() {
	t.initOnce.Do(func() {
		if t.windowSize == 0 {
			t.windowSize = 10 * time.Second
		}
		if t.bucketSize == 0 {
			t.bucketSize = 100 * time.Millisecond
		}
		bucketCount := int(t.windowSize / t.bucketSize)
		if bucketCount < 1 {
			bucketCount = 1
		}
		t.buckets = make([]int64, bucketCount)
		t.lastRotation.Store(time.Now())
	})
}

// Increment records one event occurrence.
func (t *TPSCounter) Increment() {
	t.ensureInit()
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

func (t *TPSCounter) rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	elapsed := now.Sub(lastRotation)

	advance := int64(elapsed) / int64(t.bucketSize)
	if advance < 0 || advance > int64(len(t.buckets)) {
		advance = int64(len(t.buckets))
	}

	if int(advance) >= len(t.buckets) {
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.lastRotation.Store(now)
		return
	}
	if advance <= 0 {
		return
	}

	n := int(advance)
	copy(t.buckets, t.buckets[n:])
	for i := len(t.buckets) - n; i < len(t.buckets); i++ {
		t.buckets[i] = 0
	}
	t.lastRotation.Store(lastRotation.Add(time.Duration(n) * t.bucketSize))
}

// Rate returns events per second over the rolling window.
func (t *TPSCounter) Rate() float64 {
	t.ensureInit()
	t.rotate()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	for _, c := range t.buckets {
		sum += c
	}
	if sum == 0 {
		return 0
	}
	monitored := float64(len(t.buckets)) * t.bucketSize.Seconds()
	return float64(sum) / monitored
}
