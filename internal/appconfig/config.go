package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Log           LogConfig     `mapstructure:"log" yaml:"log"`
	Network       NetworkConfig `mapstructure:"network" yaml:"network"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	Ports         PortsConfig   `mapstructure:"ports" yaml:"ports"`
	Proxy         ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
	REPL          REPLConfig    `mapstructure:"repl" yaml:"repl"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// LogConfig controls where diagnostics go. Logs never reach the terminal.
type LogConfig struct {
	File  string `mapstructure:"file" yaml:"file"`
	Level string `mapstructure:"level" yaml:"level"`
}

// NetworkConfig configures the virtual network shared by both ends.
type NetworkConfig struct {
	ServerAddr string `mapstructure:"server_addr" yaml:"server_addr"`
	AgentAddr  string `mapstructure:"agent_addr" yaml:"agent_addr"`
	PrefixLen  int    `mapstructure:"prefix_len" yaml:"prefix_len"`
	MTU        int    `mapstructure:"mtu" yaml:"mtu"`
}

// SessionConfig tunes the event loops.
type SessionConfig struct {
	Watermark          int `mapstructure:"watermark" yaml:"watermark"`
	TickMillis         int `mapstructure:"tick_millis" yaml:"tick_millis"`
	HelloTimeoutMillis int `mapstructure:"hello_timeout_millis" yaml:"hello_timeout_millis"`
	RetryDelayMillis   int `mapstructure:"retry_delay_millis" yaml:"retry_delay_millis"`
	ChunkSize          int `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// PortsConfig lists the virtual ports the tunnel services listen on.
type PortsConfig struct {
	RemoteCall   int `mapstructure:"remote_call" yaml:"remote_call"`
	FileReceiver int `mapstructure:"file_receiver" yaml:"file_receiver"`
	FileSender   int `mapstructure:"file_sender" yaml:"file_sender"`
	Forward      int `mapstructure:"forward" yaml:"forward"`
	Proxy        int `mapstructure:"proxy" yaml:"proxy"`
}

// ProxyConfig holds optional SOCKS5 credentials.
type ProxyConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// REPLConfig configures the interactive prompt.
type REPLConfig struct {
	Prompt      string `mapstructure:"prompt" yaml:"prompt"`
	HistoryFile string `mapstructure:"history_file" yaml:"history_file"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Log: LogConfig{
			File:  "termtunnel.log",
			Level: "",
		},
		Network: NetworkConfig{
			ServerAddr: "10.77.0.1",
			AgentAddr:  "10.77.0.2",
			PrefixLen:  24,
			MTU:        800,
		},
		Session: SessionConfig{
			Watermark:          100,
			TickMillis:         100,
			HelloTimeoutMillis: 1000,
			RetryDelayMillis:   10,
			ChunkSize:          512,
		},
		Ports: PortsConfig{
			RemoteCall:   300,
			FileReceiver: 700,
			FileSender:   701,
			Forward:      7000,
			Proxy:        1080,
		},
		REPL: REPLConfig{
			Prompt:      "termtunnel> ",
			HistoryFile: filepath.Join(home, ".termtunnel", "history"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".termtunnel", "config.yaml"), nil
}
