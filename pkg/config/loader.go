// Package config loads repository configuration from files and the
// environment.
//
// Files may be JSON or YAML, detected by extension. Environment variables
// override file values so that deployments can point a packaged
// configuration at a different data directory without editing it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/imposterd/imposterd/pkg/store"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrInvalidJSON  = errors.New("invalid JSON syntax")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
)

// Environment variables recognized by FromEnv and LoadFromFile.
const (
	EnvDataDir     = "IMPOSTERD_DATADIR"
	EnvLockRetries = "IMPOSTERD_LOCK_RETRIES"
	EnvLockMinWait = "IMPOSTERD_LOCK_MIN_WAIT"
)

// fileConfig is the on-disk shape. Durations are strings ("50ms") so the
// same file works as JSON and YAML.
type fileConfig struct {
	DataDir     string `json:"dataDir" yaml:"dataDir"`
	LockRetries uint   `json:"lockRetries" yaml:"lockRetries"`
	LockMinWait string `json:"lockMinWait" yaml:"lockMinWait"`
}

// LoadFromFile reads a store.Config from a JSON or YAML file and applies
// environment overrides on top.
func LoadFromFile(path string) (store.Config, error) {
	cfg := store.DefaultConfig("")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
		}
	default:
		if err := json.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidJSON, path, err)
		}
	}

	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LockRetries > 0 {
		cfg.LockRetries = fc.LockRetries
	}
	if fc.LockMinWait != "" {
		wait, err := time.ParseDuration(fc.LockMinWait)
		if err != nil {
			return cfg, fmt.Errorf("parse lockMinWait in %s: %w", path, err)
		}
		cfg.LockMinWait = wait
	}

	return FromEnv(cfg), nil
}

// FromEnv overlays environment variables onto cfg. Unset or malformed
// variables leave the corresponding field untouched.
func FromEnv(cfg store.Config) store.Config {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
	if v := os.Getenv(EnvLockRetries); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			cfg.LockRetries = uint(n)
		}
	}
	if v := os.Getenv(EnvLockMinWait); v != "" {
		if wait, err := time.ParseDuration(v); err == nil && wait > 0 {
			cfg.LockMinWait = wait
		}
	}
	return cfg
}
