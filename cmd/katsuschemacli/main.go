// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to generate the JSON schema of the katsu manifest format.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"
	"github.com/microsoft/katsu/api/katsuapi"
)

type Cli struct {
	OutputFile string `name:"output-file" short:"o" help:"Write the schema to a file instead of stdout."`
}

func main() {
	cli := &Cli{}
	kong.Parse(cli, kong.UsageOnError())

	err := generateSchema(cli.OutputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate manifest schema: %v\n", err)
		os.Exit(1)
	}
}

func generateSchema(outputFile string) error {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}

	schema := reflector.Reflect(&katsuapi.Manifest{})
	schema.Title = "katsu build manifest"

	contents, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	contents = append(contents, '\n')

	if outputFile == "" {
		_, err = os.Stdout.Write(contents)
		return err
	}

	return os.WriteFile(outputFile, contents, 0o644)
}
