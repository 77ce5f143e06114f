package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/cellstate/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	Kernel        KernelConfig  `mapstructure:"kernel" yaml:"kernel"`
	History       HistoryConfig `mapstructure:"history" yaml:"history"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Kernel modes.
const (
	KernelModeProcess = "process"
	KernelModeGRPC    = "grpc"
	KernelModeNone    = "none"
)

// SessionConfig controls notebook session behavior.
type SessionConfig struct {
	HistoryMax     int    `mapstructure:"history_max" yaml:"history_max"`
	UndoMax        int    `mapstructure:"undo_max" yaml:"undo_max"`
	HotExit        bool   `mapstructure:"hot_exit" yaml:"hot_exit"`
	UntitledPrefix string `mapstructure:"untitled_prefix" yaml:"untitled_prefix"`
	SaveDir        string `mapstructure:"save_dir" yaml:"save_dir"`
	SaveOnClose    bool   `mapstructure:"save_on_close" yaml:"save_on_close"`
}

// KernelConfig selects and configures the kernel backend.
type KernelConfig struct {
	Mode                     string   `mapstructure:"mode" yaml:"mode"`
	Binary                   string   `mapstructure:"binary" yaml:"binary"`
	Args                     []string `mapstructure:"args" yaml:"args"`
	Env                      []string `mapstructure:"env" yaml:"env"`
	Dir                      string   `mapstructure:"dir" yaml:"dir"`
	PerSession               bool     `mapstructure:"per_session" yaml:"per_session"`
	SocketPath               string   `mapstructure:"socket_path" yaml:"socket_path"`
	KeepaliveIntervalSeconds int      `mapstructure:"keepalive_interval_seconds" yaml:"keepalive_interval_seconds"`
	KeepaliveMisses          int      `mapstructure:"keepalive_misses" yaml:"keepalive_misses"`
}

// HistoryConfig configures the execution log database.
type HistoryConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	BasePath     string `mapstructure:"base_path" yaml:"base_path"`
	ReplayEvents int    `mapstructure:"replay_events" yaml:"replay_events"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	state := filepath.Join(home, ".cellstate", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      state,
		Session: SessionConfig{
			HistoryMax:     schema.DefaultHistoryMax,
			UndoMax:        100,
			HotExit:        true,
			UntitledPrefix: schema.DefaultUntitledPrefix,
			SaveDir:        filepath.Join(home, "notebooks"),
			SaveOnClose:    false,
		},
		Kernel: KernelConfig{
			Mode:                     KernelModeProcess,
			Binary:                   "cellstate-bridge",
			Args:                     []string{},
			Env:                      []string{},
			Dir:                      "",
			PerSession:               false,
			SocketPath:               filepath.Join(state, "kernel.sock"),
			KeepaliveIntervalSeconds: 10,
			KeepaliveMisses:          3,
		},
		History: HistoryConfig{
			Path: filepath.Join(state, "history.db"),
		},
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:27490",
			BasePath:     "",
			ReplayEvents: 512,
		},
		Logging: LoggingConfig{
			DisableAuditTrails: false,
		},
	}, nil
}

// RegistryConfig maps the session settings onto the registry config.
func (c Config) RegistryConfig() schema.RegistryConfig {
	return schema.RegistryConfig{
		Controller: schema.ControllerConfig{
			Mode:       schema.ModeNotebook,
			HistoryMax: c.Session.HistoryMax,
			UndoMax:    c.Session.UndoMax,
		},
		UntitledPrefix: c.Session.UntitledPrefix,
		HotExit:        c.Session.HotExit,
	}
}

// KernelEnv returns the KEY=VALUE pairs added to the kernel environment.
// Viper folds map keys to lower case, so the environment is a list.
func (c Config) KernelEnv() []string {
	return append([]string(nil), c.Kernel.Env...)
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cellstate", "config.yaml"), nil
}
