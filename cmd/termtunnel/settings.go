package main

import (
	"fmt"
	"net/netip"
	"time"

	"pkt.systems/termtunnel/internal/appconfig"
	"pkt.systems/termtunnel/internal/tunnel"
	"pkt.systems/termtunnel/internal/vnet"
)

// traceVerbosity also turns on per-frame link tracing.
const traceVerbosity = 9

func loadConfig(flags *globalFlags) (appconfig.Config, error) {
	path := flags.configPath
	if path == "" {
		def, err := appconfig.DefaultConfigPath()
		if err != nil {
			return appconfig.Config{}, err
		}
		path = def
	}
	return appconfig.Load(path)
}

func parseVerbosity(level string) (int, error) {
	v, err := appconfig.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("verbosity: %w", err)
	}
	return v, nil
}

func networkConfig(cfg appconfig.Config, role vnet.Role) (vnet.Config, error) {
	server, err := netip.ParseAddr(cfg.Network.ServerAddr)
	if err != nil {
		return vnet.Config{}, fmt.Errorf("network.server_addr: %w", err)
	}
	agent, err := netip.ParseAddr(cfg.Network.AgentAddr)
	if err != nil {
		return vnet.Config{}, fmt.Errorf("network.agent_addr: %w", err)
	}
	return vnet.Config{
		Role:       role,
		MTU:        cfg.Network.MTU,
		ServerAddr: server,
		AgentAddr:  agent,
		PrefixLen:  cfg.Network.PrefixLen,
	}, nil
}

// portsConfig assumes Validate has range-checked every port.
func portsConfig(cfg appconfig.Config) tunnel.Ports {
	return tunnel.Ports{
		RemoteCall:   uint16(cfg.Ports.RemoteCall),
		FileReceiver: uint16(cfg.Ports.FileReceiver),
		FileSender:   uint16(cfg.Ports.FileSender),
		Forward:      uint16(cfg.Ports.Forward),
		Proxy:        uint16(cfg.Ports.Proxy),
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
