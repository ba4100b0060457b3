package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/multierr"
)

const (
	// DefaultPoolSize is one session per model; scans run one at a time.
	DefaultPoolSize = 1
	AcquireTimeout  = 5 * time.Second
	latencyWindow   = 128
)

// Destroyer is anything holding native resources.
type Destroyer interface {
	Destroy() error
}

// SessionPool hands out exclusive sessions. A session is never used by two
// callers at once because its input and output buffers are bound to it.
type SessionPool[S Destroyer] struct {
	sessions   chan S
	size       int
	factory    func() (S, error)
	mu         sync.Mutex
	closed     bool
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
	latencies       []float64
	next            int
}

// MetricsSnapshot is a point-in-time copy of pool metrics.
type MetricsSnapshot struct {
	PoolSize        int     `json:"pool_size"`
	InUse           int     `json:"sessions_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	WaitTimeMs      int64   `json:"wait_time_ms"`
	Runs            int     `json:"runs_sampled"`
	LatencyP50Ms    float64 `json:"latency_p50_ms"`
	LatencyP95Ms    float64 `json:"latency_p95_ms"`
	LastErrors      int     `json:"recent_errors"`
}

func NewSessionPool[S Destroyer](size int, factory func() (S, error)) (*SessionPool[S], error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool[S]{
		sessions: make(chan S, size),
		size:     size,
		factory:  factory,
		metrics:  &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	return pool, nil
}

func (p *SessionPool[S]) Acquire(ctx context.Context) (S, error) {
	var zero S
	if p.isClosed() {
		return zero, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return zero, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return zero, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *SessionPool[S]) Release(session S) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if err := session.Destroy(); err != nil {
			p.lastErrors = appendError(p.lastErrors, err)
		}
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed and starts a replacement.
func (p *SessionPool[S]) Discard(session S, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.mu.Unlock()

	p.recordError(cause)
	if err := session.Destroy(); err != nil {
		p.recordError(err)
	}
	if !p.isClosed() {
		go p.replenishSessions(1)
	}
}

func (p *SessionPool[S]) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			if err := session.Destroy(); err != nil {
				p.recordError(err)
			}
			return
		}
		p.sessions <- session
		p.mu.Unlock()
	}
}

// ObserveRun records the latency of one model run.
func (p *SessionPool[S]) ObserveRun(d time.Duration) {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	ms := float64(d) / float64(time.Millisecond)
	if len(p.metrics.latencies) < latencyWindow {
		p.metrics.latencies = append(p.metrics.latencies, ms)
		return
	}
	p.metrics.latencies[p.metrics.next] = ms
	p.metrics.next = (p.metrics.next + 1) % latencyWindow
}

func (p *SessionPool[S]) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.sessions)

	var err error
	for session := range p.sessions {
		err = multierr.Append(err, session.Destroy())
	}
	return err
}

func (p *SessionPool[S]) GetMetrics() MetricsSnapshot {
	p.metrics.mu.RLock()
	snap := MetricsSnapshot{
		PoolSize:        p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTimeMs:      p.metrics.waitTime.Milliseconds(),
		Runs:            len(p.metrics.latencies),
	}
	latencies := append([]float64(nil), p.metrics.latencies...)
	p.metrics.mu.RUnlock()

	if len(latencies) > 0 {
		snap.LatencyP50Ms, _ = stats.Percentile(latencies, 50)
		snap.LatencyP95Ms, _ = stats.Percentile(latencies, 95)
	}

	p.mu.Lock()
	snap.LastErrors = len(p.lastErrors)
	p.mu.Unlock()

	return snap
}

func (p *SessionPool[S]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool[S]) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErrors = appendError(p.lastErrors, err)
}

func appendError(errs []error, err error) []error {
	errs = append(errs, err)
	if len(errs) > 10 {
		errs = errs[1:]
	}
	return errs
}
