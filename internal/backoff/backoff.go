// Package backoff implements the reconnect delay used by mailbox sessions.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultFactor = 2.0
	DefaultJitter = 0.25
)

// Config parameterizes a Controller
type Config struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Controller computes min(Min × Factor^attempt, Max) plus up to Jitter of
// that delay. Attempt increments on every Wait or Next and resets via Reset.
// Delays never shrink between resets, so jitter cannot undercut a previous wait.
type Controller struct {
	cfg     Config
	mu      sync.Mutex
	attempt int
	last    time.Duration
	rand    func() float64
}

// New creates a controller, filling zero factor and negative jitter with defaults
func New(cfg Config) *Controller {
	if cfg.Factor < 1 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Controller{cfg: cfg, rand: rand.Float64}
}

// Next returns the delay for the current attempt and advances the attempt counter
func (c *Controller) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := float64(c.cfg.Min) * math.Pow(c.cfg.Factor, float64(c.attempt))
	if base > float64(c.cfg.Max) || math.IsInf(base, 0) {
		base = float64(c.cfg.Max)
	}
	c.attempt++

	delay := time.Duration(base + base*c.cfg.Jitter*c.rand())
	if delay < c.last {
		delay = c.last
	}
	c.last = delay
	return delay
}

// Wait sleeps for the next delay or until ctx is done
func (c *Controller) Wait(ctx context.Context) error {
	timer := time.NewTimer(c.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset returns the controller to its minimum delay
func (c *Controller) Reset() {
	c.mu.Lock()
	c.attempt = 0
	c.last = 0
	c.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Upper is the largest delay the controller can produce
func (c *Controller) Upper() time.Duration {
	return time.Duration(float64(c.cfg.Max) * (1 + c.cfg.Jitter))
}
