package git

import (
	"context"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rrbutani/nix/errors"
	"github.com/rrbutani/nix/exec"
)

// runOptions describes one git invocation.
type runOptions struct {
	// dir is passed as -C: the directory git chdirs into first.
	dir string
	// gitDir is passed as --git-dir, relative to dir.
	gitDir string
	// args is the subcommand and its arguments.
	args []string
	// env overrides environment variables for this invocation.
	env map[string]string
	// mergeStderr folds stderr into the captured stdout. Set it when the
	// caller parses git's diagnostics.
	mergeStderr bool
}

// runner invokes the external git executable. The wrapped executor already
// carries the program name, so argument vectors here start at "-C"/"--git-dir"
// and there is no shell in between.
type runner struct {
	exec exec.Executor
	log  *logrus.Logger
}

func newRunner(executor exec.Executor, log *logrus.Logger) *runner {
	return &runner{exec: executor, log: log}
}

// argv assembles the full argument vector for an invocation.
func (o *runOptions) argv() []string {
	var args []string
	if o.dir != "" {
		args = append(args, "-C", o.dir)
	}
	if o.gitDir != "" {
		args = append(args, "--git-dir", o.gitDir)
	}
	return append(args, o.args...)
}

// run executes git and returns its exit status and captured stdout.
//
// A process that ran and exited non-zero is not an error here; the status is
// returned for the caller to classify. Only failures to run at all (missing
// binary, signal, canceled context) surface as errors.
func (r *runner) run(ctx context.Context, opts runOptions) (int, string, error) {
	args := opts.argv()
	r.log.Debugf("running git %s", strings.Join(args, " "))

	e := r.exec.Clone().WithContext(ctx)
	if len(opts.env) > 0 {
		e = e.WithEnv(opts.env)
	}
	if opts.mergeStderr {
		e = e.WithMergeStderr()
	}

	result, err := e.Run(args...)
	if err != nil {
		execErr := exec.AsExecError(err)
		if execErr == nil || !execErr.Exited {
			return -1, "", errors.Wrapf(err, errors.CodeExecutionFailed, "failed to run git %s", strings.Join(opts.args, " "))
		}
		return execErr.ExitCode, execErr.Stdout, nil
	}

	return 0, result.Stdout, nil
}

// runChecked executes git and fails on any non-zero exit, carrying the exit
// code and captured stderr in the error.
func (r *runner) runChecked(ctx context.Context, opts runOptions) (string, error) {
	args := opts.argv()
	r.log.Debugf("running git %s", strings.Join(args, " "))

	e := r.exec.Clone().WithContext(ctx)
	if len(opts.env) > 0 {
		e = e.WithEnv(opts.env)
	}
	if opts.mergeStderr {
		e = e.WithMergeStderr()
	}

	result, err := e.Run(args...)
	if err != nil {
		execErr := exec.AsExecError(err)
		if execErr != nil && execErr.Exited {
			return execErr.Stdout, errors.Newf(errors.CodeExecutionFailed,
				"git %s failed with exit code %d: %s",
				strings.Join(opts.args, " "), execErr.ExitCode, strings.TrimSpace(execErr.Stderr))
		}
		return "", errors.Wrapf(err, errors.CodeExecutionFailed, "failed to run git %s", strings.Join(opts.args, " "))
	}

	return result.Stdout, nil
}

// stream executes git with stdout connected to sink, failing on non-zero
// exit. Used for bulk output such as `git archive`.
func (r *runner) stream(ctx context.Context, opts runOptions, sink io.Writer) error {
	args := opts.argv()
	r.log.Debugf("running git %s (streaming)", strings.Join(args, " "))

	e := r.exec.Clone().WithContext(ctx).WithStdoutSink(sink)
	if len(opts.env) > 0 {
		e = e.WithEnv(opts.env)
	}

	if _, err := e.Run(args...); err != nil {
		execErr := exec.AsExecError(err)
		if execErr != nil && execErr.Exited {
			return errors.Newf(errors.CodeExecutionFailed,
				"git %s failed with exit code %d: %s",
				strings.Join(opts.args, " "), execErr.ExitCode, strings.TrimSpace(execErr.Stderr))
		}
		return errors.Wrapf(err, errors.CodeExecutionFailed, "failed to run git %s", strings.Join(opts.args, " "))
	}
	return nil
}

// chomp trims the trailing newline git appends to single-value output.
func chomp(s string) string {
	return strings.TrimRight(s, "\r\n")
}
