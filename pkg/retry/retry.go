package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the retry policy interface
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	NextDelay(attempt int) time.Duration
}

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      int
	// Jitter is the relative spread applied to each delay, 0.2 for ±20%.
	// Zero gives the exact exponential schedule.
	Jitter float64
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff(config Config) *ExponentialBackoff {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 30 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 5 * time.Minute
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}

	return &ExponentialBackoff{config: config}
}

// MaxRetries returns the number of failed attempts after which the policy gives up
func (e *ExponentialBackoff) MaxRetries() int {
	return e.config.MaxRetries
}

// Execute executes the function with exponential backoff retry
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := 0

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		attempt++

		if attempt >= e.config.MaxRetries {
			return err
		}
		if time.Since(start) >= e.config.MaxElapsedTime {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := time.NewTimer(e.NextDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// NextDelay returns the delay before retry number attempt (1-based): the
// initial interval multiplied once per earlier attempt, capped at the max
// interval, with optional jitter.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.config.InitialInterval) * math.Pow(e.config.Multiplier, float64(attempt-1))

	if delay > float64(e.config.MaxInterval) {
		delay = float64(e.config.MaxInterval)
	}

	if e.config.Jitter > 0 {
		delay += delay * e.config.Jitter * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}
