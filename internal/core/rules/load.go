package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/agenthands/graphmerge/internal/apperr"
)

// Load reads a catalog file. The format follows the extension: .yaml/.yml is YAML,
// anything else is TOML.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewConfigError("catalog", err, "failed to read catalog file '%s'", path)
	}
	format := "toml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return Parse(data, format)
}

// Parse decodes a catalog document in the given format ("toml" or "yaml").
func Parse(data []byte, format string) (*Catalog, error) {
	var def Definition
	var err error
	switch format {
	case "toml":
		err = toml.Unmarshal(data, &def)
	case "yaml":
		err = yaml.Unmarshal(data, &def)
	default:
		return nil, apperr.NewConfigError("catalog", nil, "unsupported catalog format %q", format)
	}
	if err != nil {
		return nil, apperr.NewConfigError("catalog", fmt.Errorf("failed to parse %s: %w", strings.ToUpper(format), err), "malformed catalog")
	}
	return New(def)
}
