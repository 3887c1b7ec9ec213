// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hjson/hjson-go/v4"
	"github.com/joho/godotenv"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path. HJSON is
// decoded into an intermediate map and re-marshaled to JSON so the typed
// struct tags do the validation, mirroring the teacher's loader.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(jsonData, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file of local overrides (storage path, server
// port, bearer-token seed) ahead of the typed hjson config, the same
// "env overlay before typed config" shape used for service bootstrapping
// elsewhere in the retrieval pack. Missing file is not an error.
func (l *Loader) LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvOverrides layers the three local overrides LoadDotEnv's doc
// comment promises: FLEET_AUTH_SEED, FLEET_STORAGE_PATH, FLEET_PORT. Call
// after LoadDotEnv so a .env file's values are already in the process
// environment.
func (l *Loader) ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_AUTH_SEED"); v != "" {
		cfg.Server.AuthSeed = v
	}
	if v := os.Getenv("FLEET_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FLEET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// FindConfig searches for a config file in the current directory, hjson
// first then json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{"fleet.hjson", "fleet.json"}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for fleet.hjson, fleet.json)")
}
