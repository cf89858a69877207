package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds how a dispatch that failed in transport is retried.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
	Jitter          float64
	DispatchTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
		DispatchTimeout: 5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Config configures a Coordinator. Zero fields fall back to defaults.
type Config struct {
	Retry RetryPolicy
	// DispatchDelay holds a new mutation before it is sent, during which it
	// can still be cancelled.
	DispatchDelay time.Duration
	// OnResolved is called once per mutation with its terminal result.
	OnResolved func(Result)
	Log        *logrus.Entry
	Clock      func() time.Time
	NewID      func() string
}

func DefaultConfig() Config {
	return Config{Retry: DefaultRetryPolicy()}
}

func (c Config) withDefaults() Config {
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 1
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}
