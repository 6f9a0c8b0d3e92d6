package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meow-stack/toolflow/internal/types"
)

// IsDefinitionFile reports whether path looks like a workflow definition.
func IsDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Parse decodes a single YAML workflow definition. Unknown keys are
// rejected.
func Parse(data []byte) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if def.Trigger.Type == "" {
		def.Trigger.Type = types.TriggerManual
	}
	return &def, nil
}

// LoadFile reads and decodes a definition file.
func LoadFile(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir registers every *.yaml and *.yml definition in dir, in file name
// order. A missing directory loads nothing. Files that fail to parse or
// register are reported together; the rest are still registered.
func (s *Store) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading workflow directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var errs []error
	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Register(def); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded++
	}

	s.logger.Info("loaded workflow definitions", "dir", dir, "loaded", loaded, "failed", len(errs))
	return loaded, errors.Join(errs...)
}
