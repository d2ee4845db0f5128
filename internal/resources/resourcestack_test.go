// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package resources

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnwindReverseOrder(t *testing.T) {
	stack := NewStack()

	order := []string(nil)
	for _, name := range []string{"tempdir", "loopback", "mount"} {
		name := name
		stack.Push(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	err := stack.Unwind()
	assert.NoError(t, err)
	assert.Equal(t, []string{"mount", "loopback", "tempdir"}, order)
	assert.Equal(t, 0, stack.Len())
}

func TestUnwindContinuesPastFailures(t *testing.T) {
	stack := NewStack()

	released := []string(nil)
	stack.Push("first", func() error {
		released = append(released, "first")
		return nil
	})
	stack.Push("second", func() error {
		return fmt.Errorf("device busy")
	})
	stack.Push("third", func() error {
		released = append(released, "third")
		return nil
	})

	err := stack.Unwind()
	assert.Error(t, err)
	assert.ErrorContains(t, err, "second")
	assert.ErrorContains(t, err, "device busy")

	// The failure must not prevent the remaining releases.
	assert.Equal(t, []string{"third", "first"}, released)
}

func TestUnwindIsIdempotent(t *testing.T) {
	stack := NewStack()

	count := 0
	stack.Push("mount", func() error {
		count++
		return nil
	})

	assert.NoError(t, stack.Unwind())
	assert.NoError(t, stack.Unwind())
	assert.Equal(t, 1, count)
}

func TestDisarmSkipsReleases(t *testing.T) {
	stack := NewStack()

	released := false
	stack.Push("mount", func() error {
		released = true
		return nil
	})

	stack.Disarm()
	assert.NoError(t, stack.Unwind())
	assert.False(t, released)
}
