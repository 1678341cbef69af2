package services

import (
	"context"
	"time"
)

// retryPolicy retries transient failures with exponential backoff. retries
// counts attempts after the first one.
type retryPolicy struct {
	retries   int
	backoff   time.Duration
	transient func(error) bool
	onRetry   func(attempt int, err error, wait time.Duration)
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= p.retries || p.transient == nil || !p.transient(err) {
			return err
		}

		wait := p.backoff << attempt
		if p.onRetry != nil {
			p.onRetry(attempt+1, err, wait)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}
