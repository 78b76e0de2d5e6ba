package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by callers that skip work while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker opens for a cooldown after threshold consecutive failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
		c.failures = 0
	}
}

// Do runs fn unless the breaker is open and records its outcome.
func (c *CircuitBreaker) Do(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}
