// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package userutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameIsValid(t *testing.T) {
	assert.NoError(t, NameIsValid("root"))
	assert.NoError(t, NameIsValid("deploy-bot"))
	assert.NoError(t, NameIsValid("_svc"))

	assert.Error(t, NameIsValid(""))
	assert.Error(t, NameIsValid("Root"))
	assert.Error(t, NameIsValid("1user"))
	assert.Error(t, NameIsValid("user name"))
	assert.Error(t, NameIsValid(strings.Repeat("a", 33)))
}

func TestUIDIsValid(t *testing.T) {
	assert.NoError(t, UIDIsValid(0))
	assert.NoError(t, UIDIsValid(1000))
	assert.Error(t, UIDIsValid(-1))
	assert.Error(t, UIDIsValid(70000))
}
