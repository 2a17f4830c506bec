// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Task to execute with retries in the Do method. On every execution it
// receives the attempt number, starting at 0.
type Task func(attempt int) error

type permanent struct {
	err error
}

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// Retrier runs a task with exponential backoff between attempts.
type Retrier struct {
	// MinSleep is the initial sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxNumRetries, if greater than zero, limits the number of attempts.
	// Otherwise Do retries until the context is done.
	MaxNumRetries int

	// OnRetry, if set, is called with every error that will be retried.
	OnRetry func(attempt int, err error)
}

// Do executes task until it returns nil, returns an error marked Permanent,
// runs out of attempts, or ctx is done. It returns the last error seen, or
// ctx.Err() if the context ended the loop.
func (r *Retrier) Do(ctx context.Context, task Task) error {
	maxSleep := r.MaxSleep
	if maxSleep < r.MinSleep {
		maxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	for i := 0; ; i++ {
		err := task(i)
		if err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if r.MaxNumRetries > 0 && i+1 >= r.MaxNumRetries {
			return err
		}
		if r.OnRetry != nil {
			r.OnRetry(i, err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > maxSleep {
			backoff = maxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
