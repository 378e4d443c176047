package git

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/rrbutani/nix/exec"
)

// fakeCall records one git invocation seen by the fake executor.
type fakeCall struct {
	Args []string
	Dir  string
	Env  map[string]string
}

// subcommand returns the git subcommand of a recorded call, skipping the
// global option pairs the driver and the snapshot builder emit.
func (c fakeCall) subcommand() string {
	args := c.Args
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-C", "--git-dir", "-c", "--work-tree", "--separate-git-dir", "--reference":
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				continue
			}
			return args[i]
		}
	}
	return ""
}

// has reports whether the call's argument vector contains arg.
func (c fakeCall) has(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// argAfter returns the argument following the first occurrence of name.
func (c fakeCall) argAfter(name string) string {
	for i, a := range c.Args {
		if a == name && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

// fakeHandler scripts the fake git: it receives a call and returns the
// stdout and exit code to report.
type fakeHandler func(call fakeCall) (stdout string, exit int)

// fakeExecutor implements exec.Executor with scripted responses, standing in
// for the git binary. It records every call for assertions.
type fakeExecutor struct {
	handler fakeHandler
	mu      *sync.Mutex
	calls   *[]fakeCall

	dir  string
	env  map[string]string
	sink io.Writer
}

func newFakeExecutor(handler fakeHandler) *fakeExecutor {
	return &fakeExecutor{
		handler: handler,
		mu:      &sync.Mutex{},
		calls:   &[]fakeCall{},
	}
}

// recorded returns a snapshot of the calls seen so far.
func (f *fakeExecutor) recorded() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall{}, *f.calls...)
}

// countSubcommand counts recorded calls to one git subcommand.
func (f *fakeExecutor) countSubcommand(name string) int {
	n := 0
	for _, c := range f.recorded() {
		if c.subcommand() == name {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) WithEnv(env map[string]string) exec.Executor {
	if f.env == nil {
		f.env = make(map[string]string)
	}
	for k, v := range env {
		f.env[k] = v
	}
	return f
}

func (f *fakeExecutor) WithDir(dir string) exec.Executor {
	f.dir = dir
	return f
}

func (f *fakeExecutor) WithContext(ctx context.Context) exec.Executor {
	return f
}

func (f *fakeExecutor) WithInheritEnv() exec.Executor {
	return f
}

func (f *fakeExecutor) WithMergeStderr() exec.Executor {
	return f
}

func (f *fakeExecutor) WithStdoutSink(w io.Writer) exec.Executor {
	f.sink = w
	return f
}

func (f *fakeExecutor) Run(args ...string) (*exec.Result, error) {
	call := fakeCall{Args: args, Dir: f.dir, Env: f.env}

	f.mu.Lock()
	*f.calls = append(*f.calls, call)
	f.mu.Unlock()

	stdout, exit := f.handler(call)

	if f.sink != nil {
		_, _ = io.WriteString(f.sink, stdout)
		stdout = ""
	}

	// Local state resets after each run, like the real executor.
	f.dir = ""
	f.env = nil
	f.sink = nil

	result := &exec.Result{Stdout: stdout, ExitCode: exit}
	if exit != 0 {
		return result, &exec.ExecError{
			Command:  args,
			ExitCode: exit,
			Exited:   true,
			Stdout:   stdout,
		}
	}
	return result, nil
}

func (f *fakeExecutor) Clone() exec.Executor {
	return &fakeExecutor{
		handler: f.handler,
		mu:      f.mu,
		calls:   f.calls,
	}
}
