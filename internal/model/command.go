package model

import "time"

// Command identifies a workload kind. It is resolved once from the command
// name when a CommandSpec is built, never re-parsed per iteration.
type Command string

// Command constants.
const (
	CommandGCD     Command = "gcd"
	CommandPrime   Command = "prime"
	CommandSum     Command = "sum"
	CommandEcho    Command = "echo"
	CommandUnknown Command = "unknown"
)

// knownCommands maps command names to their typed command.
var knownCommands = map[string]Command{
	string(CommandGCD):   CommandGCD,
	string(CommandPrime): CommandPrime,
	string(CommandSum):   CommandSum,
	string(CommandEcho):  CommandEcho,
}

// LookupCommand resolves a command name. Unrecognized names map to
// CommandUnknown rather than an error.
func LookupCommand(name string) Command {
	if c, ok := knownCommands[name]; ok {
		return c
	}
	return CommandUnknown
}

// Default values applied when a command line omits a flag.
const (
	DefaultInstances      = 1
	DefaultDuration       = 300 * time.Second
	DefaultRepeatInterval = 0
	DefaultParallelism    = 0
)

// CommandSpec is a parsed command ready for dispatch. It is treated as
// immutable once built; runners only read it.
type CommandSpec struct {
	// Command is the resolved workload kind.
	Command Command `json:"command"`
	// Name is the command name as typed, kept for unrecognized commands.
	Name string `json:"name"`
	// Args are the positional tokens following the command name.
	Args []string `json:"args"`
	// Line is the raw input line the spec was parsed from.
	Line string `json:"line"`

	RepeatInterval time.Duration `json:"repeat_interval"`
	Duration       time.Duration `json:"duration"`
	Instances      int           `json:"instances"`
	Parallelism    int           `json:"parallelism"`
	Background     bool          `json:"background"`
}

// NewCommandSpec returns a spec for the named command with default settings.
func NewCommandSpec(name string, args ...string) CommandSpec {
	return CommandSpec{
		Command:        LookupCommand(name),
		Name:           name,
		Args:           args,
		Duration:       DefaultDuration,
		RepeatInterval: DefaultRepeatInterval,
		Instances:      DefaultInstances,
		Parallelism:    DefaultParallelism,
	}
}
