package render

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
)

// Rules renders a rules file as a text/template before YAML parsing, so that
// patterns can reference the environment, e.g. Read({{ home }}/notes/*).
// Files without template actions are returned unchanged.
func Rules(name string, raw []byte) ([]byte, error) {
	if !bytes.Contains(raw, []byte("{{")) {
		return raw, nil
	}
	var missing []string
	tmpl, err := template.New(name).Funcs(funcs(&missing)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse rules template: %w", err)
	}

	var buf bytes.Buffer
	execErr := tmpl.Execute(&buf, nil)
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("missing env vars: %s", strings.Join(slices.Compact(missing), ", "))
	}
	if execErr != nil {
		return nil, fmt.Errorf("render rules template: %w", execErr)
	}
	return buf.Bytes(), nil
}

func funcs(missing *[]string) template.FuncMap {
	return template.FuncMap{
		"env": func(key string) string {
			value, ok := os.LookupEnv(key)
			if !ok {
				*missing = append(*missing, key)
			}
			return value
		},
		"envOr": func(key, def string) string {
			if value, ok := os.LookupEnv(key); ok && value != "" {
				return value
			}
			return def
		},
		"home": func() (string, error) {
			return os.UserHomeDir()
		},
		"cwd": func() (string, error) {
			return os.Getwd()
		},
		"lower":      strings.ToLower,
		"trimSuffix": strings.TrimSuffix,
	}
}
