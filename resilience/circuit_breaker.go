package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/fault"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int

	// Timeout is how long to wait before transitioning from Open to Half-Open
	Timeout time.Duration

	// MaxConcurrentRequests is the max requests allowed in Half-Open state
	MaxConcurrentRequests int

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to go to Closed
	SuccessThreshold int

	// IsFailure decides which errors count against the circuit. nil counts every error.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns a default configuration. Only worker
// side failures trip the breaker, caller mistakes never do.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      3,
		IsFailure:             WorkerFailure,
	}
}

// WorkerFailure reports whether err was caused by the worker side of a call
func WorkerFailure(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindTimeout, fault.KindWorkerException, fault.KindSerialization:
		return true
	default:
		return false
	}
}

// CircuitBreaker fails calls fast once an operation keeps failing
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	state           int32 // CircuitBreakerState
	failures        int32
	successes       int32
	requests        int32
	lastFailureTime int64 // Unix nano

	mu sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  int32(StateClosed),
	}
}

// Allow reserves a slot for one request. Every successful Allow must be
// followed by exactly one Done.
func (cb *CircuitBreaker) Allow() error {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return nil
	case StateOpen:
		if !cb.shouldAttemptReset() {
			return cb.openError()
		}
		cb.TransitionToHalfOpen()
		fallthrough
	case StateHalfOpen:
		if atomic.AddInt32(&cb.requests, 1) > int32(cb.config.MaxConcurrentRequests) {
			atomic.AddInt32(&cb.requests, -1)
			return cb.openError()
		}
		return nil
	default:
		return cb.openError()
	}
}

// Done records the outcome of a request admitted by Allow
func (cb *CircuitBreaker) Done(err error) {
	halfOpen := CircuitBreakerState(atomic.LoadInt32(&cb.state)) == StateHalfOpen
	if halfOpen {
		atomic.AddInt32(&cb.requests, -1)
	}
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if failed {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) openError() error {
	return fault.New(fault.CodeUnavailable, "circuit breaker for %s is open", cb.name)
}

func (cb *CircuitBreaker) onSuccess() {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		atomic.StoreInt32(&cb.failures, 0)
	case StateHalfOpen:
		if int(atomic.AddInt32(&cb.successes, 1)) >= cb.config.SuccessThreshold {
			cb.transitionToClosed()
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	failures := atomic.AddInt32(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if int(failures) >= cb.config.MaxFailures {
			cb.transitionToOpen()
		}
	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) shouldAttemptReset() bool {
	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.Timeout
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt32(&cb.failures, 0)
	atomic.StoreInt32(&cb.successes, 0)
	atomic.StoreInt32(&cb.requests, 0)
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	atomic.StoreInt32(&cb.state, int32(StateOpen))
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
}

// TransitionToHalfOpen transitions the circuit breaker to half-open state
func (cb *CircuitBreaker) TransitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		return
	}
	atomic.StoreInt32(&cb.state, int32(StateHalfOpen))
	atomic.StoreInt32(&cb.successes, 0)
	atomic.StoreInt32(&cb.requests, 0)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	return int(atomic.LoadInt32(&cb.failures))
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.transitionToClosed()
}

// CircuitBreakerStats is a point in time view of a breaker
type CircuitBreakerStats struct {
	Name      string
	State     CircuitBreakerState
	Failures  int
	Successes int
	Requests  int
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	return CircuitBreakerStats{
		Name:      cb.name,
		State:     cb.State(),
		Failures:  cb.Failures(),
		Successes: int(atomic.LoadInt32(&cb.successes)),
		Requests:  int(atomic.LoadInt32(&cb.requests)),
	}
}

// BreakerSet lazily keeps one breaker per key (an operation name)
type BreakerSet struct {
	config   CircuitBreakerConfig
	breakers sync.Map
}

// NewBreakerSet returns an empty set sharing config across breakers
func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{config: config}
}

// Get returns the breaker for key, creating it on first use
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	if cb, ok := s.breakers.Load(key); ok {
		return cb.(*CircuitBreaker)
	}
	cb, _ := s.breakers.LoadOrStore(key, NewCircuitBreaker(key, s.config))
	return cb.(*CircuitBreaker)
}

// Stats returns the stats of every breaker created so far
func (s *BreakerSet) Stats() []CircuitBreakerStats {
	var out []CircuitBreakerStats
	s.breakers.Range(func(_, v any) bool {
		out = append(out, v.(*CircuitBreaker).Stats())
		return true
	})
	return out
}
