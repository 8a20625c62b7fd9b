package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFromJSON decodes a definition. Structural validation is left
// to Compile.
func DefinitionFromJSON(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition from JSON: %w", err)
	}
	return &def, nil
}

// DefinitionFromYAML decodes a definition from YAML.
func DefinitionFromYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition from YAML: %w", err)
	}
	return &def, nil
}

// ToJSON renders the definition as indented JSON.
func (d *WorkflowDefinition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition to JSON: %w", err)
	}
	return data, nil
}

// ToYAML renders the definition as YAML.
func (d *WorkflowDefinition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition to YAML: %w", err)
	}
	return data, nil
}

// LoadDefinitionFile reads a definition, choosing the codec by extension:
// .yaml and .yml are YAML, everything else JSON.
func LoadDefinitionFile(filename string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if isYAMLFile(filename) {
		return DefinitionFromYAML(data)
	}
	return DefinitionFromJSON(data)
}

// SaveDefinitionFile writes d using the codec implied by the extension.
func SaveDefinitionFile(d *WorkflowDefinition, filename string) error {
	var (
		data []byte
		err  error
	)
	if isYAMLFile(filename) {
		data, err = d.ToYAML()
	} else {
		data, err = d.ToJSON()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func isYAMLFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
