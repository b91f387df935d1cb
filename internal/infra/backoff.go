package infra

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 10 * time.Second
)

// NewBackoff returns an exponential backoff capped at maxRetries attempts.
// maxRetries of 0 means a single attempt.
func NewBackoff(maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxRetries)
}
