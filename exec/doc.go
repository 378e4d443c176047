// Package exec provides a testable interface for executing local commands.
//
// This package wraps the standard library's os/exec, providing the Command
// struct that implements the Executor interface. Following Go best practices,
// the package returns concrete types (Command, CommandWrapper) while accepting
// interfaces in function parameters, making it easy to mock command execution
// in tests.
//
// Two execution modes are supported: capture (the default, where stdout and
// stderr are buffered into the Result) and streaming (where stdout is written
// into a caller-provided sink while the command runs). Standard error can be
// merged into the stdout capture for callers that parse diagnostic output.
//
// # Basic Usage
//
// Create an executor and run a command:
//
//	exec := exec.New()
//	result, err := exec.Run("echo", "hello world")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(result.Stdout) // "hello world\n"
//
// # Configuration
//
// The package supports both global configuration (set at creation time) and
// local configuration (set per-execution). Local settings always override
// global settings and are reset after each Run:
//
//	exec := exec.New(exec.WithInheritEnv())
//	result, err := exec.
//		WithDir("/tmp").
//		WithEnv(map[string]string{"LC_ALL": "C"}).
//		Run("git", "rev-parse", "HEAD")
//
// # Command Wrappers
//
// For commands that are executed frequently, create a wrapper that
// automatically prepends the command name:
//
//	git := exec.NewWrapper(exec.New(exec.WithInheritEnv()), "git")
//	result, err := git.Run("status", "--porcelain")
package exec
