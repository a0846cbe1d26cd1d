// Package repl parses front-end commands into typed requests.
package repl

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/termtunnel/internal/tunnel"
)

// Command is one parsed REPL request. The concrete types below are the
// complete set.
type Command interface {
	command()
}

// LocalListen binds on the local host and carries connections to the
// remote side.
type LocalListen struct{ Forward tunnel.ForwardSpec }

// RemoteListen asks the agent to bind and carry connections back.
type RemoteListen struct{ Forward tunnel.ForwardSpec }

// Upload copies a local file to the remote host.
type Upload struct{ Src, Dst string }

// Download copies a remote file to the local host.
type Download struct{ Src, Dst string }

// Ping measures a round trip through the agent.
type Ping struct{}

// Tasks reports running background jobs.
type Tasks struct{}

// Help lists commands or shows usage for one.
type Help struct{ Topic string }

// Exit leaves the REPL. Without Force it is refused while tasks run.
type Exit struct{ Force bool }

func (LocalListen) command()  {}
func (RemoteListen) command() {}
func (Upload) command()       {}
func (Download) command()     {}
func (Ping) command()         {}
func (Tasks) command()        {}
func (Help) command()         {}
func (Exit) command()         {}

// ErrUnknownCommand is returned for names missing from the table.
var ErrUnknownCommand = errors.New("unknown command")

// UsageError reports malformed arguments for a known command.
type UsageError struct {
	Name  string
	Usage string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

type entry struct {
	name    string
	alias   string
	summary string
	usage   string
	parse   func(args []string) (Command, error)
}

var (
	entries []*entry
	byName  map[string]*entry
)

func init() {
	entries = []*entry{
		{
			name:    "local_listen",
			summary: "port forward bound on the local host",
			usage:   "local_listen <local_host> <local_port> <remote_host> <remote_port>  (remote_port 0 = socks5/http proxy on the remote side)",
			parse: func(args []string) (Command, error) {
				spec, err := forwardArgs(args)
				if err != nil {
					return nil, err
				}
				return LocalListen{Forward: spec}, nil
			},
		},
		{
			name:    "remote_listen",
			summary: "port forward bound on the remote host",
			usage:   "remote_listen <remote_host> <remote_port> <local_host> <local_port>  (local_port 0 = socks5/http proxy on the local side)",
			parse: func(args []string) (Command, error) {
				spec, err := forwardArgs(args)
				if err != nil {
					return nil, err
				}
				return RemoteListen{Forward: spec}, nil
			},
		},
		{
			name:    "upload",
			alias:   "rz",
			summary: "upload a file",
			usage:   "upload <local_file> [remote_path]",
			parse: func(args []string) (Command, error) {
				if len(args) < 1 || len(args) > 2 {
					return nil, errBadArgs
				}
				return Upload{Src: args[0], Dst: secondOrBase(args)}, nil
			},
		},
		{
			name:    "download",
			alias:   "sz",
			summary: "download a file",
			usage:   "download <remote_file> [local_path]",
			parse: func(args []string) (Command, error) {
				if len(args) < 1 || len(args) > 2 {
					return nil, errBadArgs
				}
				return Download{Src: args[0], Dst: secondOrBase(args)}, nil
			},
		},
		{
			name:    "ping",
			summary: "measure the round trip through the agent",
			usage:   "ping",
			parse:   noArgs(Ping{}),
		},
		{
			name:    "tasks",
			summary: "show running background jobs",
			usage:   "tasks",
			parse:   noArgs(Tasks{}),
		},
		{
			name:    "help",
			summary: "list commands",
			usage:   "help [command]",
			parse: func(args []string) (Command, error) {
				switch len(args) {
				case 0:
					return Help{}, nil
				case 1:
					return Help{Topic: args[0]}, nil
				}
				return nil, errBadArgs
			},
		},
		{
			name:    "exit",
			summary: "leave the REPL",
			usage:   "exit [-f]",
			parse: func(args []string) (Command, error) {
				switch {
				case len(args) == 0:
					return Exit{}, nil
				case len(args) == 1 && args[0] == "-f":
					return Exit{Force: true}, nil
				}
				return nil, errBadArgs
			},
		},
	}
	byName = make(map[string]*entry, len(entries)*2)
	for _, e := range entries {
		byName[e.name] = e
		if e.alias != "" {
			byName[e.alias] = e
		}
	}
}

var errBadArgs = errors.New("bad arguments")

// Parse turns a line into a Command. An empty line yields nil, nil.
func Parse(line string) (Command, error) {
	return ParseArgs(Split(line))
}

// ParseArgs is Parse for an already split argv, as supplied by one-shot
// mode.
func ParseArgs(argv []string) (Command, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	name := strings.ToLower(argv[0])
	e, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, type help to show the command list", ErrUnknownCommand, argv[0])
	}
	cmd, err := e.parse(argv[1:])
	if err != nil {
		return nil, &UsageError{Name: e.name, Usage: e.usage}
	}
	return cmd, nil
}

// HelpText renders the command list, or the usage line for topic.
func HelpText(topic string) string {
	if topic != "" {
		e, ok := byName[strings.ToLower(topic)]
		if !ok {
			return fmt.Sprintf("no help for %q\n", topic)
		}
		return "usage: " + e.usage + "\n"
	}
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, e := range entries {
		name := e.name
		if e.alias != "" {
			name += ", " + e.alias
		}
		fmt.Fprintf(&b, "  %-16s %s\n", name, e.summary)
	}
	return b.String()
}

// Names returns every accepted command name, aliases included, sorted.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func forwardArgs(args []string) (tunnel.ForwardSpec, error) {
	if len(args) != 4 {
		return tunnel.ForwardSpec{}, errBadArgs
	}
	return tunnel.ParseForwardSpec(strings.Join(args, ":"))
}

func secondOrBase(args []string) string {
	if len(args) == 2 {
		return args[1]
	}
	return filepath.Base(args[0])
}

func noArgs(cmd Command) func([]string) (Command, error) {
	return func(args []string) (Command, error) {
		if len(args) != 0 {
			return nil, errBadArgs
		}
		return cmd, nil
	}
}
