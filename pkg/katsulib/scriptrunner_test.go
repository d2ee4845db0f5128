// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"testing"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/ptrutils"
	"github.com/stretchr/testify/assert"
)

func scriptIds(scripts []katsuapi.Script) []string {
	ids := []string(nil)
	for i := range scripts {
		ids = append(ids, scripts[i].Id)
	}
	return ids
}

func TestOrderScriptsDeclarationOrderWithoutPriorities(t *testing.T) {
	scripts := []katsuapi.Script{
		{Id: "first", Inline: "true"},
		{Id: "second", Inline: "true"},
		{Id: "third", Inline: "true"},
	}

	ordered, err := OrderScripts(scripts)
	assert.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, scriptIds(ordered))
}

func TestOrderScriptsPriorityAscending(t *testing.T) {
	scripts := []katsuapi.Script{
		{Id: "late", Inline: "true", Priority: ptrutils.PtrTo(90)},
		{Id: "early", Inline: "true", Priority: ptrutils.PtrTo(10)},
		// No priority: defaults to 50.
		{Id: "middle", Inline: "true"},
	}

	ordered, err := OrderScripts(scripts)
	assert.NoError(t, err)
	assert.Equal(t, []string{"early", "middle", "late"}, scriptIds(ordered))
}

func TestOrderScriptsStableWithinPriority(t *testing.T) {
	scripts := []katsuapi.Script{
		{Id: "a", Inline: "true", Priority: ptrutils.PtrTo(50)},
		{Id: "b", Inline: "true", Priority: ptrutils.PtrTo(50)},
		{Id: "c", Inline: "true", Priority: ptrutils.PtrTo(50)},
	}

	ordered, err := OrderScripts(scripts)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, scriptIds(ordered))
}

func TestOrderScriptsNeedsRunFirstAndOnce(t *testing.T) {
	scripts := []katsuapi.Script{
		{Id: "configure", Inline: "true", Needs: []string{"install"}},
		{Id: "install", Inline: "true", Priority: ptrutils.PtrTo(99)},
		{Id: "cleanup", Inline: "true", Needs: []string{"install"}},
	}

	ordered, err := OrderScripts(scripts)
	assert.NoError(t, err)
	assert.Equal(t, []string{"install", "configure", "cleanup"}, scriptIds(ordered))
}

func TestOrderScriptsRejectsCycles(t *testing.T) {
	scripts := []katsuapi.Script{
		{Id: "a", Inline: "true", Needs: []string{"b"}},
		{Id: "b", Inline: "true", Needs: []string{"a"}},
	}

	_, err := OrderScripts(scripts)
	assert.ErrorContains(t, err, "cycle")
}

func TestOrderScriptsRejectsUnknownNeed(t *testing.T) {
	scripts := []katsuapi.Script{
		{Id: "a", Inline: "true", Needs: []string{"ghost"}},
	}

	_, err := OrderScripts(scripts)
	assert.ErrorContains(t, err, "unknown script")
}

func TestScriptEnvironment(t *testing.T) {
	bc := &BuildContext{
		Manifest: &katsuapi.Manifest{
			Distro: "fedora",
			Arch:   katsuapi.ArchAarch64,
		},
		ChrootDir: "/work/chroot",
		FsUuids: map[string]string{
			"root": "530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e",
		},
	}

	script := &katsuapi.Script{
		Id: "hello",
		EnvironmentVariables: map[string]string{
			"FOO": "bar",
		},
	}

	env := scriptEnvironment(bc, script)
	assert.Contains(t, env, "CHROOT=/work/chroot")
	assert.Contains(t, env, "ARCH=aarch64")
	assert.Contains(t, env, "DISTRO=fedora")
	assert.Contains(t, env, "KATSU_UUID_ROOT=530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e")
	assert.Contains(t, env, "FOO=bar")
}

func TestLoadScriptBodyAddsShebang(t *testing.T) {
	body, err := loadScriptBody(&katsuapi.Script{Id: "s", Inline: "echo hi"})
	assert.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi", body)

	body, err = loadScriptBody(&katsuapi.Script{Id: "s", Inline: "#!/bin/bash\necho hi"})
	assert.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\necho hi", body)
}
