// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment-variable overrides, e.g.
// PLAYERD_CONTROL__SOCKET_PATH overrides control.socket_path.
const EnvPrefix = "PLAYERD_"

// Loader wraps koanf with the playerd layering: built-in defaults, then a
// YAML file, then environment variables, highest precedence last.
type Loader struct {
	mu       sync.RWMutex
	k        *koanf.Koanf
	filePath string
}

// NewLoader creates a Loader that will read filePath if non-empty.
func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath}
}

// Load builds the effective Config from defaults, the YAML file (if set and
// present), and environment variables, and validates the result.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", l.filePath, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, EnvPrefix)
			k = strings.ToLower(k)
			k = strings.ReplaceAll(k, "__", ".")
			return k, v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	// k only holds keys present in the file and the environment, so
	// unmarshaling onto the already-defaulted cfg leaves unset fields alone.
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()

	return cfg, nil
}

// GetString retrieves a raw string value from the last loaded
// configuration, mainly useful for diagnostics alongside -dump-config.
func (l *Loader) GetString(key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.k == nil {
		return ""
	}
	return l.k.String(key)
}
