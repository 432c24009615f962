package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file over Default, expands environment
// variables in it and applies the MMTVIEW_* overrides. Unknown keys are
// rejected. An empty path loads only the defaults and overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}

		dec := yaml.NewDecoder(bytes.NewReader([]byte(ExpandEnv(string(data)))))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}
