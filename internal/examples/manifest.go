// Package examples reads versioned content examples: a meta.yaml manifest
// declaring which files students see, plus the files themselves.
package examples

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest object name inside an example version.
const ManifestFile = "meta.yaml"

// Manifest is the parsed meta.yaml of an example version.
type Manifest struct {
	Slug                string   `yaml:"slug" json:"slug"`
	Title               string   `yaml:"title" json:"title"`
	Description         string   `yaml:"description,omitempty" json:"description,omitempty"`
	StudentVisibleFiles []string `yaml:"student_visible_files" json:"student_visible_files"`
	SolutionFiles       []string `yaml:"solution_files,omitempty" json:"solution_files,omitempty"`
}

// ManifestValidationError reports a malformed manifest or a manifest that
// does not match the stored files. It fails a single deployment item.
type ManifestValidationError struct {
	ExampleID string
	Version   string
	Reason    string
}

func (e *ManifestValidationError) Error() string {
	return fmt.Sprintf("invalid manifest for %s@%s: %s", e.ExampleID, e.Version, e.Reason)
}

// ParseManifest decodes and validates meta.yaml. Unknown keys are rejected.
func ParseManifest(exampleID, version string, data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: "manifest is empty"}
		}
		return nil, &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: err.Error()}
	}
	if err := m.Validate(exampleID, version); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the file lists.
func (m *Manifest) Validate(exampleID, version string) error {
	fail := func(format string, args ...interface{}) error {
		return &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: fmt.Sprintf(format, args...)}
	}

	if len(m.StudentVisibleFiles) == 0 {
		return fail("student_visible_files is empty")
	}
	visible := make(map[string]bool, len(m.StudentVisibleFiles))
	for _, f := range m.StudentVisibleFiles {
		if err := checkFilePath(f); err != nil {
			return fail("student_visible_files: %v", err)
		}
		if visible[f] {
			return fail("student_visible_files lists %q twice", f)
		}
		visible[f] = true
	}
	solutions := make(map[string]bool, len(m.SolutionFiles))
	for _, f := range m.SolutionFiles {
		if err := checkFilePath(f); err != nil {
			return fail("solution_files: %v", err)
		}
		if visible[f] {
			return fail("%q is both student-visible and a solution file", f)
		}
		if solutions[f] {
			return fail("solution_files lists %q twice", f)
		}
		solutions[f] = true
	}
	return nil
}

func checkFilePath(p string) error {
	switch {
	case p == "":
		return errors.New("empty file path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("%q is absolute", p)
	case path.Clean(p) != p:
		return fmt.Errorf("%q is not a clean relative path", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("%q escapes the example", p)
	case p == ManifestFile:
		return fmt.Errorf("%q is reserved", p)
	}
	return nil
}
