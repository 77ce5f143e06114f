package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("session.history_max", cfg.Session.HistoryMax)
	v.SetDefault("session.undo_max", cfg.Session.UndoMax)
	v.SetDefault("session.hot_exit", cfg.Session.HotExit)
	v.SetDefault("session.untitled_prefix", cfg.Session.UntitledPrefix)
	v.SetDefault("session.save_dir", cfg.Session.SaveDir)
	v.SetDefault("session.save_on_close", cfg.Session.SaveOnClose)
	v.SetDefault("kernel.mode", cfg.Kernel.Mode)
	v.SetDefault("kernel.binary", cfg.Kernel.Binary)
	v.SetDefault("kernel.args", cfg.Kernel.Args)
	v.SetDefault("kernel.env", cfg.Kernel.Env)
	v.SetDefault("kernel.dir", cfg.Kernel.Dir)
	v.SetDefault("kernel.per_session", cfg.Kernel.PerSession)
	v.SetDefault("kernel.socket_path", cfg.Kernel.SocketPath)
	v.SetDefault("kernel.keepalive_interval_seconds", cfg.Kernel.KeepaliveIntervalSeconds)
	v.SetDefault("kernel.keepalive_misses", cfg.Kernel.KeepaliveMisses)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.disabled", cfg.History.Disabled)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.replay_events", cfg.HTTP.ReplayEvents)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.GetString("kernel.mode") == KernelModeGRPC && strings.TrimSpace(v.GetString("kernel.socket_path")) == "" {
			return Config{}, fmt.Errorf("kernel.socket_path is required for kernel.mode %q", KernelModeGRPC)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Kernel.Mode {
	case KernelModeProcess, KernelModeGRPC, KernelModeNone:
	default:
		return fmt.Errorf("unsupported kernel.mode %q", cfg.Kernel.Mode)
	}
	if cfg.Session.UndoMax < 0 {
		return fmt.Errorf("session.undo_max must not be negative")
	}
	if cfg.Session.HistoryMax < 0 {
		return fmt.Errorf("session.history_max must not be negative")
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Session.SaveDir = expandEnv(cfg.Session.SaveDir)
	cfg.Kernel.Binary = expandEnv(cfg.Kernel.Binary)
	cfg.Kernel.Dir = expandEnv(cfg.Kernel.Dir)
	cfg.Kernel.SocketPath = expandEnv(cfg.Kernel.SocketPath)
	for i, arg := range cfg.Kernel.Args {
		cfg.Kernel.Args[i] = expandEnv(arg)
	}
	cfg.History.Path = expandEnv(cfg.History.Path)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
