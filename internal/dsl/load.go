package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/afk-gate/internal/render"
)

// Load parses YAML bytes into a RuleSet, normalizes and validates it.
func Load(data []byte) (*RuleSet, error) {
	var set RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	normalize(&set)
	if err := Validate(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

// LoadFile reads a rules file from disk, expands its template actions and
// parses it.
func LoadFile(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	data, err := render.Rules(path, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	set, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}
