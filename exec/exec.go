package exec

import (
	"context"
	"io"
)

//go:generate go run github.com/matryer/moq@latest -out mocks/executor.go -pkg mocks . Executor

// Executor is the main interface for executing commands.
// It provides a fluent API for configuring and running commands.
type Executor interface {
	// WithEnv sets environment variables for the command.
	// These are local settings that override any global environment variables.
	WithEnv(env map[string]string) Executor

	// WithDir sets the working directory for the command.
	// This is a local setting that overrides any global working directory.
	WithDir(dir string) Executor

	// WithContext sets the context for the command.
	// The command will be canceled if the context is canceled.
	WithContext(ctx context.Context) Executor

	// WithInheritEnv inherits environment variables from the parent process.
	WithInheritEnv() Executor

	// WithMergeStderr merges standard error into the stdout capture.
	// Useful when a command's diagnostics must be parsed together with
	// its output. The Result's Stderr field will be empty.
	WithMergeStderr() Executor

	// WithStdoutSink streams stdout into w instead of capturing it.
	// The Result's Stdout field will be empty.
	WithStdoutSink(w io.Writer) Executor

	// Run executes the command with the given arguments.
	// It returns a Result containing the captured output and exit code.
	Run(args ...string) (*Result, error)

	// Clone creates a copy of the executor with the same global configuration
	// and no local configuration. This is useful for deriving independent
	// executors from a shared base.
	Clone() Executor
}

// Result represents the result of a command execution.
type Result struct {
	// Stdout is the captured standard output. Empty when a stdout sink was
	// configured, or when the command produced no output.
	Stdout string

	// Stderr is the captured standard error. Empty when stderr was merged
	// into stdout.
	Stderr string

	// ExitCode is the exit code returned by the command.
	ExitCode int
}

// Option is a function that configures a Command with global settings.
// These settings are applied at creation time and can be overridden by local settings.
type Option func(*Command)

// WithEnv returns an Option that sets global environment variables.
func WithEnv(env map[string]string) Option {
	return func(c *Command) {
		for k, v := range env {
			c.config.globalEnv[k] = v
		}
	}
}

// WithDir returns an Option that sets the global working directory.
func WithDir(dir string) Option {
	return func(c *Command) {
		c.config.globalDir = dir
	}
}

// WithContext returns an Option that sets the global context.
func WithContext(ctx context.Context) Option {
	return func(c *Command) {
		c.ctx = ctx
	}
}

// WithInheritEnv returns an Option that globally enables environment inheritance.
func WithInheritEnv() Option {
	return func(c *Command) {
		c.config.globalInheritEnv = true
	}
}
