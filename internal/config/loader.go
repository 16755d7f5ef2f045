// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader merges defaults, the YAML file, and environment overrides.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given config path. An empty path means
// defaults plus environment only.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load produces a validated configuration. Validation failures reject the
// whole load; partial configs are never returned.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Missing file is fine; defaults plus env apply.
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", l.path, err)
		default:
			dec := yaml.NewDecoder(bytes.NewReader(raw))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return Config{}, fmt.Errorf("config: parse %s: %w", l.path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
