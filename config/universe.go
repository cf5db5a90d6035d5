package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"flowlens/internal/symbols"
)

// Universe lists the instruments the engine tracks at startup. Symbols are
// normalized to the canonical uppercase form on load; duplicates collapse.
type Universe struct {
	Symbols []string `yaml:"symbols"`
}

// LoadUniverse loads the instrument universe from the given path.
func LoadUniverse(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	var u Universe
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to parse universe file: %w", err)
	}

	seen := make(map[string]struct{}, len(u.Symbols))
	normalized := make([]string, 0, len(u.Symbols))
	for _, sym := range u.Symbols {
		key := symbols.Normalize(sym)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}
	u.Symbols = normalized

	if len(u.Symbols) == 0 {
		return nil, fmt.Errorf("universe file %s lists no symbols", path)
	}
	return &u, nil
}
