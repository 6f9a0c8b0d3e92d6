package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meow-stack/toolflow/internal/types"
)

// Catalog is the on-disk shape of servers.yaml.
type Catalog struct {
	Servers []types.ServerConfig `yaml:"servers"`
}

// ParseCatalog decodes a servers catalog. Unknown keys are rejected so
// typos surface at load time.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		if errors.Is(err, io.EOF) {
			return &cat, nil
		}
		return nil, fmt.Errorf("parsing servers catalog: %w", err)
	}
	return &cat, nil
}

// LoadCatalog reads and decodes a servers catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading servers catalog: %w", err)
	}
	return ParseCatalog(data)
}
