package core

// ArgvOptions tunes how an environment policy wraps a command line.
type ArgvOptions struct {
	// Interactive is set for commands attached to a pseudo-terminal.
	Interactive bool
	// LoginShell prefixes argv0 with "-" the way login(1) does.
	LoginShell bool
	Failsafe   bool
}

// Argv is a resolved command line. Path is what gets executed and Args[0]
// is what the child sees as its name.
type Argv struct {
	Path string
	Args []string
}

// Environment is the environment policy provider consumed by shells.
type Environment interface {
	// BuildArgv resolves executable and args into the final command line,
	// applying interpreter and linker indirection where needed.
	BuildArgv(executable string, args []string, opts ArgvOptions) (Argv, error)
	// BuildEnvironment returns the child environment as KEY=VALUE pairs.
	BuildEnvironment(failsafe bool) []string
	DefaultBinaryDirectory() string
	// DefaultWorkingDirectory is the home directory, or "" if unknown.
	DefaultWorkingDirectory() string
	// LoginShell returns the shell for an interactive session with no
	// executable and whether it should be started as a login shell.
	LoginShell(failsafe bool) (path string, login bool)
}
