// Package document reads and writes projects. Projects are written as YAML;
// reading accepts both JSON and YAML.
package document

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/patchbay-audio/patchbay/control"
	"gopkg.in/yaml.v3"
)

// FormatVersion is the version written into every document. Documents
// without a version are read as version 1.
const FormatVersion = 1

type file struct {
	Patchbay        int `yaml:"patchbay" json:"patchbay"`
	control.Project `yaml:",inline"`
}

// Encode writes p as YAML.
func Encode(w io.Writer, p *control.Project) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&file{Patchbay: FormatVersion, Project: *p}); err != nil {
		return fmt.Errorf("could not encode project: %w", err)
	}
	return enc.Close()
}

// EncodeJSON writes p as indented JSON.
func EncodeJSON(w io.Writer, p *control.Project) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&file{Patchbay: FormatVersion, Project: *p}); err != nil {
		return fmt.Errorf("could not encode project: %w", err)
	}
	return nil
}

// Decode reads a project written by Encode or EncodeJSON.
func Decode(r io.Reader) (*control.Project, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read project: %w", err)
	}
	var f file
	if errJSON := json.Unmarshal(b, &f); errJSON != nil {
		f = file{}
		if errYaml := yaml.Unmarshal(b, &f); errYaml != nil {
			return nil, fmt.Errorf("the project could not be parsed as .json (%v) or .yml (%v)", errJSON, errYaml)
		}
	}
	if f.Patchbay > FormatVersion {
		return nil, fmt.Errorf("project format %d is newer than the supported %d", f.Patchbay, FormatVersion)
	}
	if f.Graph == nil {
		return nil, fmt.Errorf("project has no graph")
	}
	if err := f.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}
	return &f.Project, nil
}
