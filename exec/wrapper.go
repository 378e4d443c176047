package exec

import (
	"context"
	"io"
)

// CommandWrapper wraps an Executor to provide a command-specific interface.
// It prepends a command name to all Run() calls, making it convenient for
// tools that are called frequently with different arguments (e.g., git).
// CommandWrapper implements the Executor interface, allowing it to be used
// anywhere an Executor is expected.
type CommandWrapper struct {
	executor Executor
	cmd      string
}

// NewWrapper creates a new CommandWrapper that prepends the given command to
// all Run() calls. The executor parameter can be any implementation of the
// Executor interface, including mock executors for testing.
func NewWrapper(executor Executor, cmd string) *CommandWrapper {
	return &CommandWrapper{
		executor: executor,
		cmd:      cmd,
	}
}

// WithEnv sets environment variables for the command.
func (w *CommandWrapper) WithEnv(env map[string]string) Executor {
	w.executor = w.executor.WithEnv(env)
	return w
}

// WithDir sets the working directory for the command.
func (w *CommandWrapper) WithDir(dir string) Executor {
	w.executor = w.executor.WithDir(dir)
	return w
}

// WithContext sets the context for the command.
func (w *CommandWrapper) WithContext(ctx context.Context) Executor {
	w.executor = w.executor.WithContext(ctx)
	return w
}

// WithInheritEnv enables environment inheritance.
func (w *CommandWrapper) WithInheritEnv() Executor {
	w.executor = w.executor.WithInheritEnv()
	return w
}

// WithMergeStderr merges standard error into the stdout capture.
func (w *CommandWrapper) WithMergeStderr() Executor {
	w.executor = w.executor.WithMergeStderr()
	return w
}

// WithStdoutSink streams stdout into the given writer.
func (w *CommandWrapper) WithStdoutSink(sink io.Writer) Executor {
	w.executor = w.executor.WithStdoutSink(sink)
	return w
}

// Run executes the wrapped command with the given arguments.
func (w *CommandWrapper) Run(args ...string) (*Result, error) {
	fullArgs := append([]string{w.cmd}, args...)
	return w.executor.Run(fullArgs...)
}

// Clone creates a copy of the wrapper with a cloned underlying executor.
func (w *CommandWrapper) Clone() Executor {
	return &CommandWrapper{
		executor: w.executor.Clone(),
		cmd:      w.cmd,
	}
}
