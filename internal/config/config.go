// SPDX-License-Identifier: MIT

// Package config loads playerd's daemon configuration: the control socket
// path and permissions, the player worker binary, and the tunables that
// shape the event loop's backoff and playlist preallocation.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/playerd/config.yaml"

// Config is the complete playerd daemon configuration.
type Config struct {
	// Control holds the control-socket listener settings.
	Control ControlConfig `yaml:"control" koanf:"control"`

	// Worker holds the player worker subprocess settings.
	Worker WorkerConfig `yaml:"worker" koanf:"worker"`

	// Playlist holds playlist preallocation settings.
	Playlist PlaylistConfig `yaml:"playlist" koanf:"playlist"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" koanf:"log_level"`

	// HealthAddr is the TCP address the /healthz and /metrics endpoints are
	// served on. Empty disables the health server.
	HealthAddr string `yaml:"health_addr" koanf:"health_addr"`

	// LockPath is the flock(2) path guaranteeing a single playerd instance
	// runs against a given control socket.
	LockPath string `yaml:"lock_path" koanf:"lock_path"`
}

// ControlConfig configures the control listener.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path" koanf:"socket_path"` // filesystem path of the AF_UNIX socket
	SocketGID  int    `yaml:"socket_gid" koanf:"socket_gid"`   // group that may connect (chown'd after bind), -1 to leave unset
	Backlog    int    `yaml:"backlog" koanf:"backlog"`         // listen() backlog

	// AcceptBackoff is how long the listener stays unregistered after an
	// FD-exhaustion error before it is re-armed.
	AcceptBackoff time.Duration `yaml:"accept_backoff" koanf:"accept_backoff"`

	// MaxFramePayload bounds a single message's payload.
	MaxFramePayload int `yaml:"max_frame_payload" koanf:"max_frame_payload"`
}

// WorkerConfig configures the player worker subprocess link.
type WorkerConfig struct {
	BinaryPath string        `yaml:"binary_path" koanf:"binary_path"` // path to the player worker executable
	MusicDir   string        `yaml:"music_dir" koanf:"music_dir"`     // root the worker is allowed to open tracks under
	RestartMin time.Duration `yaml:"restart_min" koanf:"restart_min"` // initial restart backoff
	RestartMax time.Duration `yaml:"restart_max" koanf:"restart_max"` // restart backoff ceiling

	// RestartMaxAttempts bounds how many times the worker subprocess is
	// restarted before the supervised link gives up for good. 0 means
	// unlimited.
	RestartMaxAttempts int `yaml:"restart_max_attempts" koanf:"restart_max_attempts"`
}

// PlaylistConfig configures the in-memory playlist.
type PlaylistConfig struct {
	CapacityHint int `yaml:"capacity_hint" koanf:"capacity_hint"` // preallocation hint, doubled on growth
}

// DefaultConfig returns a Config with the daemon's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			SocketPath:      "/var/run/playerd/control.sock",
			SocketGID:       -1,
			Backlog:         5,
			AcceptBackoff:   1 * time.Second,
			MaxFramePayload: 1 << 16,
		},
		Worker: WorkerConfig{
			BinaryPath:         "/usr/libexec/playerd/player-worker",
			MusicDir:           "/var/lib/playerd/music",
			RestartMin:         1 * time.Second,
			RestartMax:         30 * time.Second,
			RestartMaxAttempts: 0,
		},
		Playlist: PlaylistConfig{
			CapacityHint: 256,
		},
		LogLevel:   "info",
		HealthAddr: "127.0.0.1:9090",
		LockPath:   "/var/run/playerd/playerd.lock",
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Control.SocketPath == "" {
		return fmt.Errorf("control.socket_path cannot be empty")
	}
	if c.Control.Backlog <= 0 {
		return fmt.Errorf("control.backlog must be positive")
	}
	if c.Control.AcceptBackoff <= 0 {
		return fmt.Errorf("control.accept_backoff must be positive")
	}
	if c.Control.MaxFramePayload <= 0 {
		return fmt.Errorf("control.max_frame_payload must be positive")
	}
	if c.Worker.BinaryPath == "" {
		return fmt.Errorf("worker.binary_path cannot be empty")
	}
	if c.Worker.RestartMin <= 0 || c.Worker.RestartMax < c.Worker.RestartMin {
		return fmt.Errorf("worker.restart_min/restart_max must be positive and ordered")
	}
	if c.Playlist.CapacityHint <= 0 {
		return fmt.Errorf("playlist.capacity_hint must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	return nil
}

// DumpYAML renders the effective configuration as YAML, for the
// -dump-config diagnostic surface.
func (c *Config) DumpYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
