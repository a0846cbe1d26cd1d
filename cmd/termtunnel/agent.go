package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/termtunnel/internal/agent"
	"pkt.systems/termtunnel/internal/vnet"
)

func newAgentCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent [command [args...]]",
		Short: "Run the remote end inside a termtunnel terminal",
		Long: "Run this on the far side of the terminal. With arguments the front-end " +
			"executes them as one REPL command and returns to the shell once all " +
			"transfers are done, e.g. `termtunnel agent upload notes.txt`.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags.cfg
			netCfg, err := networkConfig(cfg, vnet.RoleAgent)
			if err != nil {
				return err
			}
			netCfg.Trace = flags.verbosity >= traceVerbosity
			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				state, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw mode: %w", err)
				}
				defer func() { _ = term.Restore(fd, state) }()
			}
			a := agent.New(agent.Options{
				Stdin:         os.Stdin,
				Stdout:        os.Stdout,
				Argv:          args,
				Network:       netCfg,
				Ports:         portsConfig(cfg),
				ProxyUser:     cfg.Proxy.Username,
				ProxyPassword: cfg.Proxy.Password,
				Watermark:     cfg.Session.Watermark,
				RetryDelay:    millis(cfg.Session.RetryDelayMillis),
			})
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
