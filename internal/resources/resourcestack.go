// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// ResourceStack tracks acquired OS resources (tempdirs, loop attachments,
// mounts, bind mounts) and releases them in reverse acquisition order.
//
// The stack is the single owner of teardown authority for a build: every
// acquired resource is pushed with its release action and nothing else may
// release it. Release actions must tolerate the resource already being gone.

package resources

import (
	"errors"
	"fmt"
	"sync"

	"github.com/microsoft/katsu/internal/logger"
)

// Resource is a single acquired resource and the action that releases it.
type Resource struct {
	// Name identifies the resource in unwind reports.
	Name string
	// Release frees the resource. It must succeed if the resource is
	// already gone.
	Release func() error
}

// Stack is an ordered LIFO of acquired resources.
type Stack struct {
	lock      sync.Mutex
	resources []Resource
	disarmed  bool
}

// NewStack returns an empty resource stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push records a resource. Resources are released in reverse push order.
func (s *Stack) Push(name string, release func() error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	logger.Log.Tracef("Acquired resource: %s", name)
	s.resources = append(s.resources, Resource{Name: name, Release: release})
}

// Len returns the number of resources still held.
func (s *Stack) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.resources)
}

// Disarm hands ownership of all held resources to a longer-lived context.
// A disarmed stack unwinds nothing: Unwind drops its records without running
// their release actions, so the resources themselves stay in place.
func (s *Stack) Disarm() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.disarmed = true
}

// Unwind releases every resource in reverse push order. It continues past
// individual failures and returns them joined. The stack is consumed:
// a second Unwind is a no-op.
func (s *Stack) Unwind() error {
	s.lock.Lock()
	resources := s.resources
	s.resources = nil
	disarmed := s.disarmed
	s.lock.Unlock()

	if disarmed {
		if len(resources) > 0 {
			logger.Log.Debugf("Resource stack disarmed; leaving %d resource(s) in place",
				len(resources))
		}
		return nil
	}

	errs := []error(nil)
	for i := len(resources) - 1; i >= 0; i-- {
		resource := resources[i]

		logger.Log.Debugf("Releasing resource: %s", resource.Name)
		err := resource.Release()
		if err != nil {
			err = fmt.Errorf("failed to release (%s):\n%w", resource.Name, err)
			logger.Log.Warnf("%v", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
