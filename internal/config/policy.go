package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds operator-tunable assistant behaviour loaded from POLICY_FILE.
// Zero values mean "use the built-in default".
type Policy struct {
	Instructions string      `yaml:"instructions"`
	WindowSize   int         `yaml:"window_size"`
	TopK         int         `yaml:"top_k"`
	Title        TitlePolicy `yaml:"title"`
}

type TitlePolicy struct {
	MaxChars int `yaml:"max_chars"`
	Turns    int `yaml:"turns"`
}

// LoadPolicy reads a YAML policy file. An empty path yields the zero policy.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if p.WindowSize < 0 || p.TopK < 0 || p.Title.MaxChars < 0 || p.Title.Turns < 0 {
		return Policy{}, fmt.Errorf("policy file %s: numeric settings must not be negative", path)
	}
	return p, nil
}
