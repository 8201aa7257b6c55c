package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ratelimitd/ratelimitd/internal/types"
)

// LoadYAML parses a single domain configuration document and compiles
// it, matching the document shape in the configuration file format.
func LoadYAML(data []byte) (*Compiled, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &types.ConfigError{Msg: fmt.Sprintf("parsing yaml: %v", err)}
	}
	return Compile(cfg)
}

// LoadFile reads and compiles a single domain configuration file.
func LoadFile(path string) (*Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return LoadYAML(data)
}

// LoadDir compiles every *.yaml / *.yml file directly under dir, one
// domain configuration per file, and returns them keyed by domain.
// Config changes are installed as whole snapshots (spec §1): this is
// the directory-of-domains generalization of the original's single-file
// loader, used to seed a SnapshotManager at startup.
func LoadDir(dir string) (map[string]*Compiled, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &types.ConfigError{Msg: fmt.Sprintf("reading config dir %s: %v", dir, err)}
	}

	out := make(map[string]*Compiled)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		compiled, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, exists := out[compiled.Domain()]; exists {
			return nil, &types.ConfigError{Msg: fmt.Sprintf("duplicate domain %q across config files", compiled.Domain())}
		}
		out[compiled.Domain()] = compiled
	}
	return out, nil
}
