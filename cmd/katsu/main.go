// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to build bootable OS images from declarative manifests.

package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/microsoft/katsu/internal/exekong"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/microsoft/katsu/pkg/katsulib"
)

type BuildCmd struct {
	ManifestFile string `name:"manifest-file" short:"m" required:"" help:"Path of the resolved build manifest."`
	WorkDir      string `name:"work-dir" short:"w" default:"katsu-work" help:"Working directory the build owns exclusively."`

	exekong.LogFlags
}

type RootCmd struct {
	Build   BuildCmd         `name:"build" cmd:"" default:"withargs" help:"Build the artifact described by a manifest."`
	Version kong.VersionFlag `name:"version" help:"Print the tool version."`
}

func (c *BuildCmd) Run() error {
	return katsulib.BuildWithManifestFile(c.ManifestFile, c.WorkDir)
}

func main() {
	cli := &RootCmd{}

	vars := exekong.KongVars
	vars["version"] = katsulib.ToolVersion

	parseContext := kong.Parse(cli,
		vars,
		kong.HelpOptions{Compact: true},
		kong.UsageOnError())

	logger.InitBestEffort(cli.Build.LogFlags.AsLoggerFlags())

	err := parseContext.Run()
	if err != nil {
		logger.Log.Errorf("%v", err)
		os.Exit(katsulib.ExitCodeForError(err))
	}
}
