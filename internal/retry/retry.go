// Package retry wraps read operations in exponential backoff.
package retry

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

// Policy bounds a retried read.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// DefaultPolicy is used when a component is built without an explicit policy.
var DefaultPolicy = Policy{
	MaxTries:        3,
	InitialInterval: 200 * time.Millisecond,
	MaxElapsed:      5 * time.Second,
}

// None performs exactly one attempt.
var None = Policy{MaxTries: 1}

// Read runs op until it succeeds, returns an error whose code is not
// retryable, or the policy is exhausted. Only reads go through here; writes
// are never retried automatically.
func Read[T any](ctx context.Context, p Policy, what string, op func() (T, error)) (T, error) {
	if p.MaxTries == 0 {
		p.MaxTries = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("Retrying %s in %v: %v", what, next, err)
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

func retryable(err error) bool {
	code := apperr.CodeOf(err)
	// Uncoded errors come straight from the driver and are treated as transient.
	return code == apperr.CodeUnknown || code.Retryable()
}
