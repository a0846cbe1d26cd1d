package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
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
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("network.server_addr", cfg.Network.ServerAddr)
	v.SetDefault("network.agent_addr", cfg.Network.AgentAddr)
	v.SetDefault("network.prefix_len", cfg.Network.PrefixLen)
	v.SetDefault("network.mtu", cfg.Network.MTU)
	v.SetDefault("session.watermark", cfg.Session.Watermark)
	v.SetDefault("session.tick_millis", cfg.Session.TickMillis)
	v.SetDefault("session.hello_timeout_millis", cfg.Session.HelloTimeoutMillis)
	v.SetDefault("session.retry_delay_millis", cfg.Session.RetryDelayMillis)
	v.SetDefault("session.chunk_size", cfg.Session.ChunkSize)
	v.SetDefault("ports.remote_call", cfg.Ports.RemoteCall)
	v.SetDefault("ports.file_receiver", cfg.Ports.FileReceiver)
	v.SetDefault("ports.file_sender", cfg.Ports.FileSender)
	v.SetDefault("ports.forward", cfg.Ports.Forward)
	v.SetDefault("ports.proxy", cfg.Ports.Proxy)
	v.SetDefault("proxy.username", cfg.Proxy.Username)
	v.SetDefault("proxy.password", cfg.Proxy.Password)
	v.SetDefault("repl.prompt", cfg.REPL.Prompt)
	v.SetDefault("repl.history_file", cfg.REPL.HistoryFile)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
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
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the session.
func Validate(cfg Config) error {
	if err := validateNetwork(cfg.Network); err != nil {
		return err
	}
	if err := validatePorts(cfg.Ports); err != nil {
		return err
	}
	if cfg.Session.Watermark < 1 {
		return fmt.Errorf("session.watermark must be positive")
	}
	if cfg.Session.TickMillis < 1 {
		return fmt.Errorf("session.tick_millis must be positive")
	}
	if cfg.Session.ChunkSize < 1 {
		return fmt.Errorf("session.chunk_size must be positive")
	}
	if cfg.Session.HelloTimeoutMillis < 0 || cfg.Session.RetryDelayMillis < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

func validateNetwork(cfg NetworkConfig) error {
	server, err := netip.ParseAddr(strings.TrimSpace(cfg.ServerAddr))
	if err != nil || !server.Is4() {
		return fmt.Errorf("network.server_addr must be an IPv4 address")
	}
	agent, err := netip.ParseAddr(strings.TrimSpace(cfg.AgentAddr))
	if err != nil || !agent.Is4() {
		return fmt.Errorf("network.agent_addr must be an IPv4 address")
	}
	if server == agent {
		return fmt.Errorf("network.server_addr and network.agent_addr must differ")
	}
	if cfg.PrefixLen < 1 || cfg.PrefixLen > 30 {
		return fmt.Errorf("network.prefix_len must be between 1 and 30")
	}
	prefix := netip.PrefixFrom(server, cfg.PrefixLen).Masked()
	if !prefix.Contains(agent) {
		return fmt.Errorf("network.agent_addr %s is outside %s", agent, prefix)
	}
	if cfg.MTU < 576 || cfg.MTU > 65535 {
		return fmt.Errorf("network.mtu must be between 576 and 65535")
	}
	return nil
}

func validatePorts(cfg PortsConfig) error {
	ports := []struct {
		key  string
		port int
	}{
		{"ports.remote_call", cfg.RemoteCall},
		{"ports.file_receiver", cfg.FileReceiver},
		{"ports.file_sender", cfg.FileSender},
		{"ports.forward", cfg.Forward},
		{"ports.proxy", cfg.Proxy},
	}
	seen := make(map[int]string, len(ports))
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", p.key)
		}
		if other, ok := seen[p.port]; ok {
			return fmt.Errorf("%s and %s share port %d", other, p.key, p.port)
		}
		seen[p.port] = p.key
	}
	return nil
}

// ParseLevel maps log.level or TERMTUNNEL_VERBOSE to a verbosity between 0
// (off) and 9 (trace). Names are accepted alongside digits.
func ParseLevel(value string) (int, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "", "off", "none":
		return 0, nil
	case "error":
		return 1, nil
	case "warn", "warning":
		return 3, nil
	case "info":
		return 5, nil
	case "debug":
		return 7, nil
	case "trace":
		return 9, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 9 {
		return 0, fmt.Errorf("log level %q must be 0-9 or one of off, error, warn, info, debug, trace", value)
	}
	return n, nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Log.File = expandEnv(cfg.Log.File)
	cfg.REPL.HistoryFile = expandEnv(cfg.REPL.HistoryFile)
	cfg.Proxy.Username = expandEnv(cfg.Proxy.Username)
	cfg.Proxy.Password = expandEnv(cfg.Proxy.Password)
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
