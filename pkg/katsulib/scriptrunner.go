// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/microsoft/katsu/internal/file"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/internal/shell"
)

// OrderScripts returns the scripts of one phase in execution order: by
// priority ascending, with declaration order breaking ties so manifests
// without priorities execute as listed. Scripts named in a Needs list are
// hoisted before their dependent, each running exactly once.
func OrderScripts(scripts []katsuapi.Script) ([]katsuapi.Script, error) {
	indexById := map[string]int{}
	for i := range scripts {
		indexById[scripts[i].Id] = i
	}

	sorted := append([]katsuapi.Script(nil), scripts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].GetPriority() < sorted[j].GetPriority()
	})

	ordered := []katsuapi.Script(nil)
	done := map[string]bool{}

	var appendScript func(script katsuapi.Script, chain []string) error
	appendScript = func(script katsuapi.Script, chain []string) error {
		if done[script.Id] {
			return nil
		}

		for _, c := range chain {
			if c == script.Id {
				return fmt.Errorf("script dependency cycle: %s -> %s",
					strings.Join(chain, " -> "), script.Id)
			}
		}

		for _, need := range script.Needs {
			needIdx, found := indexById[need]
			if !found {
				return fmt.Errorf("script (%s) needs unknown script (%s)", script.Id, need)
			}

			err := appendScript(scripts[needIdx], append(chain, script.Id))
			if err != nil {
				return err
			}
		}

		done[script.Id] = true
		ordered = append(ordered, script)
		return nil
	}

	for _, script := range sorted {
		err := appendScript(script, nil)
		if err != nil {
			return nil, err
		}
	}

	return ordered, nil
}

// RunScripts executes one phase's scripts in order. A non-zero exit fails the
// build; there is no retry.
func RunScripts(bc *BuildContext, scripts []katsuapi.Script) error {
	ordered, err := OrderScripts(scripts)
	if err != nil {
		return newBuildError(ErrorKindScript, err)
	}

	for i := range ordered {
		err = runScript(bc, &ordered[i])
		if err != nil {
			return newBuildError(ErrorKindScript, err)
		}
	}

	return nil
}

func runScript(bc *BuildContext, script *katsuapi.Script) error {
	name := script.Name
	if name == "" {
		name = script.Id
	}
	logger.Log.Infof("Running script (%s)", name)

	body, err := loadScriptBody(script)
	if err != nil {
		return err
	}

	env := scriptEnvironment(bc, script)

	switch script.GetContext() {
	case katsuapi.ScriptContextChroot:
		return runScriptInChroot(bc, script, body, env)
	default:
		return runScriptOnHost(bc, script, body, env)
	}
}

func loadScriptBody(script *katsuapi.Script) (string, error) {
	body := script.Inline
	if script.File != "" {
		contents, err := file.Read(script.File)
		if err != nil {
			return "", fmt.Errorf("failed to read script (%s) file (%s):\n%w", script.Id,
				script.File, err)
		}
		body = contents
	}

	if !strings.HasPrefix(body, "#!") {
		body = "#!/bin/sh\n" + body
	}

	return body, nil
}

// scriptEnvironment builds the minimal environment a script inherits:
// CHROOT, ARCH, DISTRO, the discovered filesystem UUIDs, and the script's
// declared exports.
func scriptEnvironment(bc *BuildContext, script *katsuapi.Script) []string {
	env := []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		fmt.Sprintf("CHROOT=%s", bc.ChrootDir),
		fmt.Sprintf("ARCH=%s", bc.Manifest.Arch),
		fmt.Sprintf("DISTRO=%s", bc.Manifest.Distro),
	}

	for label, fsUuid := range bc.FsUuids {
		env = append(env, fmt.Sprintf("KATSU_UUID_%s=%s", envVarName(label), fsUuid))
	}

	for key, value := range script.EnvironmentVariables {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	sort.Strings(env)
	return env
}

func envVarName(label string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, label))
}

func runScriptInChroot(bc *BuildContext, script *katsuapi.Script, body string, env []string,
) error {
	// The script body is written inside the chroot so the chrooted process
	// can read it, then removed once it finishes.
	scriptRelPath := filepath.Join("tmp", fmt.Sprintf("katsu-script-%s", script.Id))
	scriptPath := filepath.Join(bc.ChrootDir, scriptRelPath)

	err := writeScriptFile(body, scriptPath)
	if err != nil {
		return err
	}
	defer os.Remove(scriptPath)

	err = shell.NewExecBuilder("/" + scriptRelPath).
		Chroot(bc.ChrootDir).
		EnvironmentVariables(env).
		Execute()
	if err != nil {
		return fmt.Errorf("script (%s) failed:\n%w", script.Id, err)
	}

	return nil
}

func runScriptOnHost(bc *BuildContext, script *katsuapi.Script, body string, env []string,
) error {
	scriptDir, err := os.MkdirTemp("", "katsu-script-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scriptDir)

	scriptPath := filepath.Join(scriptDir, fmt.Sprintf("katsu-script-%s", script.Id))
	err = writeScriptFile(body, scriptPath)
	if err != nil {
		return err
	}

	err = shell.NewExecBuilder(scriptPath).
		EnvironmentVariables(env).
		WorkingDirectory(bc.WorkDir).
		Execute()
	if err != nil {
		return fmt.Errorf("script (%s) failed:\n%w", script.Id, err)
	}

	return nil
}

func writeScriptFile(body string, path string) error {
	err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if err != nil {
		return err
	}

	err = os.WriteFile(path, []byte(body), 0o755)
	if err != nil {
		return fmt.Errorf("failed to write script file (%s):\n%w", path, err)
	}

	return nil
}
