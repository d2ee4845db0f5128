// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitCodeForError(nil))
	assert.Equal(t, 1, ExitCodeForError(newBuildError(ErrorKindManifestInvalid, errors.New("x"))))
	assert.Equal(t, 2, ExitCodeForError(newBuildError(ErrorKindBootstrap, errors.New("x"))))
	assert.Equal(t, 3, ExitCodeForError(newBuildError(ErrorKindBlock, errors.New("x"))))
	assert.Equal(t, 4, ExitCodeForError(newBuildError(ErrorKindScript, errors.New("x"))))
	assert.Equal(t, 5, ExitCodeForError(newBuildError(ErrorKindBootloader, errors.New("x"))))
	assert.Equal(t, 6, ExitCodeForError(newBuildError(ErrorKindUnwind, errors.New("x"))))

	// Untyped errors default to the manifest/validation code.
	assert.Equal(t, 1, ExitCodeForError(errors.New("x")))
}

func TestInnermostClassificationWins(t *testing.T) {
	inner := newBuildError(ErrorKindBootstrap, errors.New("missing package"))
	wrapped := fmt.Errorf("pipeline failed:\n%w", inner)

	// Re-classifying at an outer layer must not change the exit code.
	outer := newBuildError(ErrorKindBlock, wrapped)
	assert.Equal(t, 2, ExitCodeForError(outer))
}

func TestAttachUnwindError(t *testing.T) {
	primary := newBuildError(ErrorKindScript, errors.New("script exploded"))
	unwind := errors.New("umount: target busy")

	// Release failures never mask the primary error.
	combined := attachUnwindError(primary, unwind)
	assert.Equal(t, 4, ExitCodeForError(combined))
	assert.ErrorContains(t, combined, "script exploded")
	assert.ErrorContains(t, combined, "target busy")

	// A release failure after success is its own error kind.
	combined = attachUnwindError(nil, unwind)
	assert.Equal(t, 6, ExitCodeForError(combined))

	assert.NoError(t, attachUnwindError(nil, nil))
	assert.Equal(t, primary, attachUnwindError(primary, nil))
}
