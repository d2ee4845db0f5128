// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsuapi

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type HasIsValid interface {
	IsValid() error
}

func UnmarshalAndValidateYamlFile[ValueType HasIsValid](yamlFilePath string, value ValueType) error {
	yamlFile, err := os.ReadFile(yamlFilePath)
	if err != nil {
		return err
	}

	err = UnmarshalAndValidateYaml(yamlFile, value)
	if err != nil {
		return err
	}

	return nil
}

func UnmarshalAndValidateYaml[ValueType HasIsValid](yamlData []byte, value ValueType) error {
	err := UnmarshalYaml(yamlData, value)
	if err != nil {
		return err
	}

	err = value.IsValid()
	if err != nil {
		return err
	}

	return nil
}

func UnmarshalYaml[ValueType any](yamlData []byte, value ValueType) error {
	reader := bytes.NewReader(yamlData)
	decoder := yaml.NewDecoder(reader)

	// Ensure unknown fields result in an error.
	decoder.KnownFields(true)

	err := decoder.Decode(value)
	if err != nil {
		return err
	}

	return nil
}

func MarshalYaml[ValueType any](value ValueType) (string, error) {
	yamlData, err := yaml.Marshal(value)
	if err != nil {
		return "", err
	}

	return string(yamlData), nil
}

func MarshalYamlFile[ValueType any](yamlFilePath string, value ValueType) (err error) {
	yamlString, err := MarshalYaml(value)
	if err != nil {
		return err
	}

	file, err := os.Create(yamlFilePath)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := file.Close()
		if closeErr != nil {
			if err != nil {
				err = fmt.Errorf("%w:\nfailed to close (%s): %w", err, yamlFilePath, closeErr)
			} else {
				err = fmt.Errorf("failed to close (%s): %w", yamlFilePath, closeErr)
			}
		}
	}()

	_, err = file.WriteString(yamlString)
	if err != nil {
		return err
	}

	return nil
}
