package workflow

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSectionsYAML []byte

type sectionFile struct {
	Title    string    `yaml:"title"`
	Sections []Section `yaml:"sections"`
}

// Definition is the static configuration a new workflow is seeded from.
type Definition struct {
	Title    string
	Sections []Section
}

// DefaultDefinition returns the built-in section list.
func DefaultDefinition() Definition {
	def, err := ParseDefinition(defaultSectionsYAML)
	if err != nil {
		panic(fmt.Sprintf("workflow: embedded defaults are invalid: %v", err))
	}
	return def
}

// LoadDefinition reads a section definition file. An empty path yields the
// built-in definition.
func LoadDefinition(path string) (Definition, error) {
	if path == "" {
		return DefaultDefinition(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read sections file: %w", err)
	}
	return ParseDefinition(raw)
}

// ParseDefinition decodes and validates a YAML section definition.
func ParseDefinition(raw []byte) (Definition, error) {
	var file sectionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Definition{}, fmt.Errorf("parse sections: %w", err)
	}
	if err := ValidateSections(file.Sections); err != nil {
		return Definition{}, err
	}
	SortSections(file.Sections)
	for i := range file.Sections {
		file.Sections[i].Data = map[string]any{}
	}
	title := file.Title
	if title == "" {
		title = "Client onboarding"
	}
	return Definition{Title: title, Sections: file.Sections}, nil
}

// NewSections returns fresh copies of the definition's sections with empty
// data.
func (d Definition) NewSections() []Section {
	out := make([]Section, len(d.Sections))
	for i, section := range d.Sections {
		out[i] = section.Clone()
		out[i].Data = map[string]any{}
	}
	return out
}
