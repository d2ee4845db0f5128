// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"fmt"
)

// ScriptContext selects where a script executes.
type ScriptContext string

const (
	// ScriptContextHost runs the script on the host, with CHROOT pointing at
	// the target root.
	ScriptContextHost ScriptContext = "host"

	// ScriptContextChroot runs the script inside the mounted chroot, with
	// kernel filesystems already bound.
	ScriptContextChroot ScriptContext = "chroot"
)

func (c ScriptContext) IsValid() error {
	switch c {
	case ScriptContextHost, ScriptContextChroot:
		return nil
	default:
		return fmt.Errorf("invalid script context (%s)", c)
	}
}

// DefaultScriptPriority is used when a script declares no priority.
// Lower priorities run earlier.
const DefaultScriptPriority = 50

// Script is a user-defined script run before or after bootstrap.
type Script struct {
	// Id uniquely identifies the script; other scripts reference it in Needs.
	Id string `yaml:"id" json:"id"`
	// Name is a human-readable label used in logs.
	Name string `yaml:"name" json:"name,omitempty"`
	// File is the path of the script file.
	// Mutually exclusive with 'Inline'.
	File string `yaml:"file" json:"file,omitempty"`
	// Inline is the inline script body.
	// Mutually exclusive with 'File'.
	Inline string `yaml:"inline" json:"inline,omitempty"`
	// Context is where the script runs; defaults to "chroot".
	Context ScriptContext `yaml:"context" json:"context,omitempty"`
	// Priority orders scripts within a phase; lower runs earlier. Scripts of
	// equal priority run in declaration order.
	Priority *int `yaml:"priority" json:"priority,omitempty"`
	// Needs lists script ids that must run before this one.
	Needs []string `yaml:"needs" json:"needs,omitempty"`
	// EnvironmentVariables are extra variables exported to the script.
	EnvironmentVariables map[string]string `yaml:"environmentVariables" json:"environmentVariables,omitempty"`
}

func (s *Script) IsValid() error {
	if s.Id == "" {
		return fmt.Errorf("script has no id")
	}

	if s.File == "" && s.Inline == "" {
		return fmt.Errorf("script (%s): either file or inline must have a value", s.Id)
	}
	if s.File != "" && s.Inline != "" {
		return fmt.Errorf("script (%s): file and inline may not both have a value", s.Id)
	}

	if s.Context != "" {
		err := s.Context.IsValid()
		if err != nil {
			return fmt.Errorf("script (%s) is invalid:\n%w", s.Id, err)
		}
	}

	return nil
}

// GetPriority returns the script's priority, defaulted when unset.
func (s *Script) GetPriority() int {
	if s.Priority == nil {
		return DefaultScriptPriority
	}
	return *s.Priority
}

// GetContext returns the script's context, defaulted when unset.
func (s *Script) GetContext() ScriptContext {
	if s.Context == "" {
		return ScriptContextChroot
	}
	return s.Context
}

// Scripts holds the ordered pre- and post-phase script lists.
type Scripts struct {
	// Pre scripts run before bootstrap, against the not yet populated target
	// root.
	Pre []Script `yaml:"pre" json:"pre,omitempty"`
	// Post scripts run after bootstrap, usually inside the chroot.
	Post []Script `yaml:"post" json:"post,omitempty"`
}

func (s *Scripts) IsValid() error {
	ids := map[string]bool{}
	for _, phase := range [][]Script{s.Pre, s.Post} {
		for i := range phase {
			script := &phase[i]

			err := script.IsValid()
			if err != nil {
				return err
			}

			if ids[script.Id] {
				return fmt.Errorf("script id (%s) is used more than once", script.Id)
			}
			ids[script.Id] = true
		}
	}

	for _, phase := range [][]Script{s.Pre, s.Post} {
		for i := range phase {
			for _, need := range phase[i].Needs {
				if !ids[need] {
					return fmt.Errorf("script (%s) needs unknown script (%s)", phase[i].Id, need)
				}
			}
		}
	}

	return nil
}
