package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"

	"pkt.systems/termtunnel/internal/appconfig"
	"pkt.systems/termtunnel/internal/logx"
	"pkt.systems/termtunnel/internal/version"
)

func main() {
	psi.Run(submain)
}

// exitCodeError carries a child's exit status out of cobra.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func submain(ctx context.Context) int {
	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	err := root.ExecuteContext(ctx)
	var exitErr exitCodeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "termtunnel: %v\n", err)
	return 1
}

type globalFlags struct {
	configPath string
	logFile    string
	verbose    string

	// cfg and verbosity are filled in before any subcommand runs.
	cfg       appconfig.Config
	verbosity int
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "termtunnel [command [args...]]",
		Short: "Tunnel files and TCP through a terminal session",
		Long: "termtunnel runs a command (your shell by default) in a pseudo-terminal. " +
			"Start `termtunnel agent` inside that terminal, on any host it reaches, " +
			"to get a REPL for port forwards and file transfer over the same session.",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd, flags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, flags, args)
		},
	}
	root.Flags().SetInterspersed(false)
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default ~/.termtunnel/config.yaml)")
	pf.StringVar(&flags.logFile, "log-file", "", "log file (overrides log.file)")
	pf.StringVarP(&flags.verbose, "verbose", "v", "", "log verbosity 0-9 or off|error|warn|info|debug|trace (overrides TERMTUNNEL_VERBOSE)")

	root.AddCommand(newAgentCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newVersionCmd())

	return root
}

func argv0Alias(base string) string {
	switch base {
	case "termtunnel-agent", "tt-agent":
		return "agent"
	default:
		return ""
	}
}

// applyArgv0Alias maps agent invocations onto the agent subcommand: a
// binary named like the agent, or a leading -a / -- flag.
func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	if len(args) > 1 && (args[1] == "-a" || args[1] == "--") {
		out := make([]string, 0, len(args))
		out = append(out, args[0], "agent")
		return append(out, args[2:]...)
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}

func setupLogging(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	flags.cfg = cfg
	level := cfg.Log.Level
	if env, ok := os.LookupEnv("TERMTUNNEL_VERBOSE"); ok {
		level = env
	}
	if flags.verbose != "" {
		level = flags.verbose
	}
	verbosity, err := parseVerbosity(level)
	if err != nil {
		return err
	}
	flags.verbosity = verbosity
	path := cfg.Log.File
	if flags.logFile != "" {
		path = flags.logFile
	}
	logger, closeLog, err := logx.Open(path, verbosity)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	cobra.OnFinalize(func() { _ = closeLog() })
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)
	cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
	logger.Info("termtunnel starting", append(version.Read().LogArgs(), "command", cmd.Name(), "verbosity", verbosity)...)
	return nil
}
