package git

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/rrbutani/nix/accessor"
	"github.com/rrbutani/nix/errors"
	"github.com/rrbutani/nix/exec"
	"github.com/rrbutani/nix/store"
)

// Fetcher materializes Git inputs into the store. It is safe for use by
// multiple goroutines; concurrent fetchers (in this process or others)
// coordinate mirror mutation through per-mirror file locks.
type Fetcher struct {
	settings *Settings
	runner   *runner
	store    store.Store
	cache    *store.Cache
	fs       billy.Filesystem
}

// FetcherOption configures Fetcher creation.
type FetcherOption func(*Fetcher)

// WithExecutor sets the executor used to invoke git. The executor receives
// argument vectors without the program name; the default wraps the `git`
// binary found on PATH. Tests substitute a scripted executor here.
func WithExecutor(executor exec.Executor) FetcherOption {
	return func(f *Fetcher) {
		f.runner = newRunner(executor, f.settings.log())
	}
}

// WithFilesystem sets the billy filesystem used for working-tree and scratch
// directory access. Defaults to the OS filesystem.
func WithFilesystem(fs billy.Filesystem) FetcherOption {
	return func(f *Fetcher) {
		f.fs = fs
	}
}

// NewFetcher creates a Fetcher over the given store and fetch cache.
func NewFetcher(settings *Settings, st store.Store, cache *store.Cache, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		settings: settings,
		store:    st,
		cache:    cache,
		fs:       osfs.New("/"),
	}
	f.runner = newRunner(exec.NewWrapper(exec.New(exec.WithInheritEnv()), "git"), settings.log())

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetAccessor fetches the input and returns a read-only accessor over its
// file tree together with the (possibly further locked) input metadata.
//
// Local working trees with no ref or rev are served straight from the
// checkout (dirty trees included, policy permitting); everything else is
// resolved to a commit and materialized through the store.
func (f *Fetcher) GetAccessor(ctx context.Context, input *Input) (accessor.Accessor, *Input, error) {
	in := input.clone()

	repoInfo, err := f.getRepoInfo(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	_, hasRef := in.Ref()
	_, hasRev := in.Rev()
	if hasRef || hasRev || !repoInfo.IsLocal {
		return f.getAccessorFromCommit(ctx, repoInfo, in)
	}
	return f.getAccessorFromCheckout(ctx, repoInfo, in)
}

// Clone clones the input's repository into destDir. Cloning a specific
// revision is not supported.
func (f *Fetcher) Clone(ctx context.Context, input *Input, destDir string) error {
	repoInfo, err := f.getRepoInfo(ctx, input)
	if err != nil {
		return err
	}

	if _, ok := input.Rev(); ok {
		return errors.New(errors.CodeUnsupported, "cloning a specific revision is not implemented")
	}

	args := []string{"clone", repoInfo.URL}
	if ref, ok := input.Ref(); ok {
		args = append(args, "--branch", ref)
	}
	args = append(args, destDir)

	_, err = f.runner.runChecked(ctx, runOptions{args: args})
	return err
}

// PutFile writes contents to relPath inside a local working-tree input,
// records it with `git add --intent-to-add`, and, when commitMsg is
// non-empty, commits it.
func (f *Fetcher) PutFile(ctx context.Context, input *Input, relPath string, contents []byte, commitMsg string) error {
	repoInfo, err := f.getRepoInfo(ctx, input)
	if err != nil {
		return err
	}

	if !repoInfo.IsLocal {
		return errors.Newf(errors.CodeUnsupported,
			"cannot commit %q to Git repository %q because it's not a working tree", relPath, input.String())
	}

	relPath = accessor.CanonPath(relPath)
	absPath := filepath.Join(repoInfo.URL, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeStore, "failed to create parent directory for %q", absPath)
	}
	if err := os.WriteFile(absPath, contents, 0o666); err != nil {
		return errors.Wrapf(err, errors.CodeStore, "failed to write %q", absPath)
	}

	if _, err := f.runner.runChecked(ctx, runOptions{
		dir:    repoInfo.URL,
		gitDir: repoInfo.GitDir,
		args:   []string{"add", "--intent-to-add", "--", relPath},
	}); err != nil {
		return err
	}

	if commitMsg != "" {
		if _, err := f.runner.runChecked(ctx, runOptions{
			dir:    repoInfo.URL,
			gitDir: repoInfo.GitDir,
			args:   []string{"commit", relPath, "-m", commitMsg},
		}); err != nil {
			return err
		}
	}

	return nil
}

// makeNotAllowedError builds the restricted-path error for a working-tree
// accessor, distinguishing untracked files from missing ones.
func (f *Fetcher) makeNotAllowedError(repoURL string) accessor.NotAllowedFunc {
	return func(p string) error {
		if pathExists(filepath.Join(repoURL, filepath.FromSlash(p))) {
			return errors.Newf(errors.CodeRestrictedPath,
				"access to path %q is forbidden because it is not under Git control; maybe you should 'git add' it to the repository %q?", p, repoURL)
		}
		return errors.Newf(errors.CodeRestrictedPath,
			"path %q does not exist in Git repository %q", p, repoURL)
	}
}
