// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Retry helpers for operations racing against device settling.

package retry

import (
	"context"
	"time"
)

// Run runs the function up to totalAttempts times, sleeping between attempts.
func Run(function func() error, totalAttempts int, sleep time.Duration) error {
	var err error
	for attempt := 0; attempt < totalAttempts; attempt++ {
		if attempt != 0 {
			time.Sleep(sleep)
		}

		err = function()
		if err == nil {
			return nil
		}
	}
	return err
}

// RunWithExpBackoff runs the function up to totalAttempts times with an
// exponentially growing sleep, honoring context cancellation between attempts.
// Returns the number of attempts made.
func RunWithExpBackoff(ctx context.Context, function func() error, totalAttempts int,
	initialSleep time.Duration, factor float64,
) (int, error) {
	var err error
	sleep := initialSleep
	for attempt := 0; attempt < totalAttempts; attempt++ {
		if attempt != 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
			sleep = time.Duration(float64(sleep) * factor)
		}

		err = function()
		if err == nil {
			return attempt + 1, nil
		}
	}
	return totalAttempts, err
}
