package git

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/rrbutani/nix/errors"
)

// RepoInfo is the classifier's verdict on an input, valid for one fetch.
type RepoInfo struct {
	Shallow    bool
	Submodules bool
	AllRefs    bool

	// CacheType keys store cache records: "git" plus any of "-shallow",
	// "-submodules", "-all-refs" in that order, so options that change the
	// fetched content yield distinct entries.
	CacheType string

	// IsLocal reports a local, non-bare repository.
	IsLocal bool

	// IsDirty reports a local, non-bare repository whose tracked files
	// differ from HEAD.
	IsDirty bool

	// HasHead reports whether the repository has any commits.
	HasHead bool

	// URL of the repo, or its filesystem path if IsLocal.
	URL string

	// GitDir is the git directory relative to URL: ".git" for working
	// trees, "." for mirrors.
	GitDir string
}

// warnDirty enforces the dirty-tree policy: an error when dirty trees are
// disallowed, a warning otherwise.
func (r *RepoInfo) warnDirty(settings *Settings) error {
	if !r.IsDirty {
		return nil
	}
	if !settings.AllowDirty {
		return errors.Newf(errors.CodeDirtyTree, "Git tree %q is dirty", r.URL)
	}
	if settings.WarnDirty {
		settings.log().Warnf("Git tree %q is dirty", r.URL)
	}
	return nil
}

// getRepoInfo classifies an input: local working tree, local bare, or
// remote, plus dirtiness and whether HEAD exists.
func (f *Fetcher) getRepoInfo(ctx context.Context, input *Input) (*RepoInfo, error) {
	repoInfo := &RepoInfo{
		Shallow:    input.Shallow(),
		Submodules: input.Submodules(),
		AllRefs:    input.AllRefs(),
		HasHead:    true,
		GitDir:     ".git",
	}

	repoInfo.CacheType = "git"
	if repoInfo.Shallow {
		repoInfo.CacheType += "-shallow"
	}
	if repoInfo.Submodules {
		repoInfo.CacheType += "-submodules"
	}
	if repoInfo.AllRefs {
		repoInfo.CacheType += "-all-refs"
	}

	u, err := url.Parse(input.URL())
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "invalid Git URL %q", input.URL())
	}

	// file:// URLs are normally not cloned (but otherwise treated the same
	// as remote URLs, i.e. we don't use the working tree or HEAD).
	// Exception: if ForceHTTP is set, or the repo is a bare git repo, treat
	// as a remote URL to force a clone.
	isBareRepository := u.Scheme == "file" && !pathExists(u.Path+"/.git")
	repoInfo.IsLocal = u.Scheme == "file" && !f.settings.forceHTTP() && !isBareRepository
	if repoInfo.IsLocal {
		repoInfo.URL = u.Path
	} else {
		base := *u
		base.RawQuery = ""
		base.Fragment = ""
		repoInfo.URL = base.String()
	}

	// If this is a local directory and no ref or revision is given, then
	// allow the use of an unclean working tree.
	if _, hasRef := input.Ref(); !hasRef {
		if _, hasRev := input.Rev(); !hasRev && repoInfo.IsLocal {
			if err := f.classifyWorkingTree(ctx, repoInfo); err != nil {
				return nil, err
			}
		}
	}

	return repoInfo, nil
}

// classifyWorkingTree decides HasHead and IsDirty for a local working tree.
//
// LC_ALL is forced to C because the error messages from `git rev-parse`
// determine which path we take; unknown messages must lead to a failure
// rather than continuing through the wrong code path.
func (f *Fetcher) classifyWorkingTree(ctx context.Context, repoInfo *RepoInfo) error {
	repoInfo.IsDirty = true

	// Check whether HEAD points to something that looks like a commit,
	// since that is the ref we want to use later on.
	status, output, err := f.runner.run(ctx, runOptions{
		dir:         repoInfo.URL,
		gitDir:      repoInfo.GitDir,
		args:        []string{"rev-parse", "--verify", "--no-revs", "HEAD^{commit}"},
		env:         map[string]string{"LC_ALL": "C"},
		mergeStderr: true,
	})
	if err != nil {
		return err
	}

	switch {
	case strings.Contains(output, "fatal: not a git repository"):
		return errors.Newf(errors.CodeNotARepository, "%q is not a Git repository", repoInfo.URL)
	case strings.Contains(output, "fatal: Needed a single revision"):
		// The repo does not have any commits; proceed and consider it dirty.
	case status != 0:
		// Any other error must lead to a failure.
		return errors.Newf(errors.CodeExecutionFailed,
			"getting the HEAD of the Git tree %q failed with exit code %d:\n%s", repoInfo.URL, status, output)
	}

	repoInfo.HasHead = status == 0
	if !repoInfo.HasHead {
		return nil
	}

	// Using git diff is preferable over lower-level operations here, because
	// it's conceptually simpler and we only need the exit code anyways.
	diffArgs := []string{"diff", "HEAD", "--quiet"}
	if !repoInfo.Submodules {
		// Changes in submodules should only make the tree dirty when those
		// submodules will be copied as well.
		diffArgs = append(diffArgs, "--ignore-submodules")
	}
	diffArgs = append(diffArgs, "--")

	status, _, err = f.runner.run(ctx, runOptions{
		dir:    repoInfo.URL,
		gitDir: repoInfo.GitDir,
		args:   diffArgs,
	})
	if err != nil {
		return err
	}

	switch status {
	case 0:
		repoInfo.IsDirty = false
	case 1:
		// Tracked files differ from HEAD; stay dirty.
	default:
		return errors.Newf(errors.CodeExecutionFailed,
			"git diff in %q failed with exit code %d", repoInfo.URL, status)
	}

	return nil
}

// listFiles returns the set of canonical paths git tracks (or has an
// intent-to-add record for) in a working tree.
func (f *Fetcher) listFiles(ctx context.Context, repoInfo *RepoInfo) (map[string]struct{}, error) {
	args := []string{"ls-files", "-z"}
	if repoInfo.Submodules {
		args = append(args, "--recurse-submodules")
	}

	out, err := f.runner.runChecked(ctx, runOptions{
		dir:    repoInfo.URL,
		gitDir: repoInfo.GitDir,
		args:   args,
	})
	if err != nil {
		return nil, err
	}

	files := make(map[string]struct{})
	for _, p := range strings.Split(out, "\x00") {
		if p == "" {
			continue
		}
		files[p] = struct{}{}
	}
	return files, nil
}

// updateRev pins the input to the commit the ref resolves to, unless a rev
// is already set. Returns the rev.
func (f *Fetcher) updateRev(ctx context.Context, input *Input, repoInfo *RepoInfo, ref string) (string, error) {
	if rev, ok := input.Rev(); ok {
		return rev, nil
	}

	out, err := f.runner.runChecked(ctx, runOptions{
		dir:    repoInfo.URL,
		gitDir: repoInfo.GitDir,
		args:   []string{"rev-parse", ref},
	})
	if err != nil {
		return "", err
	}

	rev := chomp(out)
	if !revRegex.MatchString(rev) {
		return "", errors.Newf(errors.CodeInternal, "git rev-parse returned invalid revision %q", rev)
	}
	input.setRev(rev)
	return rev, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
