package configs

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.yaml
var embeddedPresets embed.FS

// Names returns the names of the embedded rule presets.
func Names() []string {
	entries, err := fs.Glob(embeddedPresets, "*.yaml")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry, ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Load returns the embedded YAML preset by name.
func Load(name string) ([]byte, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".yaml")
	if name == "" {
		return nil, fmt.Errorf("preset name is empty")
	}
	data, err := fs.ReadFile(embeddedPresets, name+".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return data, nil
}
