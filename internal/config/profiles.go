package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/knoguchi/tendersense/internal/alert"
	"github.com/knoguchi/tendersense/internal/tender"
)

type profilesFile struct {
	Profiles map[string]tender.AlertProfile `yaml:"profiles"`
}

// LoadProfiles reads alert profiles keyed by name. ${VAR} and
// ${VAR:-default} references are expanded from the environment before
// parsing. A missing file yields an error wrapping os.ErrNotExist.
func LoadProfiles(path string) (map[string]tender.AlertProfile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading profiles %s: %w", path, err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes a profiles document.
func ParseProfiles(data []byte) (map[string]tender.AlertProfile, error) {
	var f profilesFile
	if err := yaml.Unmarshal(expandEnvVars(data), &f); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}

	out := make(map[string]tender.AlertProfile, len(f.Profiles))
	for name, p := range f.Profiles {
		if !alert.ValidProfileName(name) {
			return nil, fmt.Errorf("profile %q: %w", name, alert.ErrInvalidProfileName)
		}
		p.Name = name
		p.Query = strings.TrimSpace(p.Query)
		if p.Query == "" {
			return nil, fmt.Errorf("profile %q: query is required", name)
		}
		if p.MaxResults < 0 {
			return nil, fmt.Errorf("profile %q: max_results must not be negative", name)
		}
		out[name] = p
	}
	return out, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
