package git

import (
	"context"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rrbutani/nix/accessor"
	"github.com/rrbutani/nix/errors"
	"github.com/rrbutani/nix/store"
)

// isNotDotGit filters ".git" entries (at any level) out of a worktree
// serialization.
func isNotDotGit(p string) bool {
	return path.Base(p) != ".git"
}

// getAccessorFromCommit resolves the input to a commit and returns an
// accessor over that commit's (immutable) tree. Precondition: the repo is
// not a dirty working tree.
//
// The store cache is consulted at three points: by rev before anything else,
// by (url, ref) before touching the mirror, and by rev again once the ref
// has been resolved. A miss at all three materializes the tree and records
// the locked entry, plus the unlocked entry when the input pinned no rev.
func (f *Fetcher) getAccessorFromCommit(ctx context.Context, repoInfo *RepoInfo, input *Input) (accessor.Accessor, *Input, error) {
	origRev, _ := input.Rev()
	name := input.Name()

	lockedAttrs := func() store.Attrs {
		rev, _ := input.Rev()
		return store.Attrs{
			"type": repoInfo.CacheType,
			"name": name,
			"rev":  rev,
		}
	}

	makeResult2 := func(infoAttrs store.Attrs, acc accessor.Accessor) (accessor.Accessor, *Input, error) {
		if !repoInfo.Shallow {
			if revCount, ok := infoAttrs.GetInt("revCount"); ok {
				input.setRevCount(revCount)
			}
		}
		lastModified, _ := infoAttrs.GetInt("lastModified")
		input.setLastModified(lastModified)

		acc.SetPathDisplay("«" + input.String() + "»")
		return acc, input, nil
	}

	makeResult := func(infoAttrs store.Attrs, storePath store.StorePath) (accessor.Accessor, *Input, error) {
		info, err := f.store.QueryPathInfo(storePath)
		if err != nil {
			return nil, nil, err
		}
		input.setNarHash(info.NarHash)

		acc, err := f.store.Accessor(storePath)
		if err != nil {
			return nil, nil, err
		}
		return makeResult2(infoAttrs, acc)
	}

	if _, ok := input.Rev(); ok {
		if res, hit := f.cache.Lookup(f.store, lockedAttrs()); hit {
			return makeResult(res.Value, res.Path)
		}
	}

	originalRef, hadRef := input.Ref()
	ref := originalRef
	if !hadRef {
		ref = f.defaultRef(ctx, repoInfo)
	}
	input.setRef(ref)

	unlockedAttrs := store.Attrs{
		"type": repoInfo.CacheType,
		"name": name,
		"url":  repoInfo.URL,
		"ref":  ref,
	}

	var repoDir string

	if repoInfo.IsLocal {
		if _, err := f.updateRev(ctx, input, repoInfo, ref); err != nil {
			return nil, nil, err
		}
		repoDir = repoInfo.URL
	} else {
		if res, hit := f.cache.Lookup(f.store, unlockedAttrs); hit {
			cachedRev, _ := res.Value.GetStr("rev")
			if rev, ok := input.Rev(); !ok || rev == cachedRev {
				input.setRev(cachedRev)
				return makeResult(res.Value, res.Path)
			}
		}

		cacheDir := f.cachePath(repoInfo.URL)
		repoDir = cacheDir
		repoInfo.GitDir = "."

		if err := withMirrorLock(ctx, cacheDir, func() error {
			return f.updateMirror(ctx, repoInfo, input, cacheDir, ref, hadRef)
		}); err != nil {
			return nil, nil, err
		}
		// The mirror lock is released here; everything below is read-only
		// against a specific revision.
	}

	isShallow, err := f.isShallowRepository(ctx, repoDir, repoInfo.GitDir)
	if err != nil {
		return nil, nil, err
	}
	if isShallow && !repoInfo.Shallow {
		return nil, nil, errors.Newf(errors.CodeShallowMismatch,
			"%q is a shallow Git repository, but shallow repositories are only allowed when `shallow = true;` is specified", repoInfo.URL)
	}

	rev, _ := input.Rev()

	// Note: this does not check whether rev is an ancestor of ref.
	if err := f.checkRevExists(ctx, repoInfo, repoDir, ref, rev); err != nil {
		return nil, nil, err
	}

	infoAttrs := store.Attrs{"rev": rev}

	lastModified, err := f.lastModified(ctx, repoInfo, repoDir, rev)
	if err != nil {
		return nil, nil, err
	}
	infoAttrs["lastModified"] = lastModified

	if !repoInfo.Shallow {
		revCount, err := f.revCount(ctx, repoInfo, repoDir, rev)
		if err != nil {
			return nil, nil, err
		}
		infoAttrs["revCount"] = revCount
	}

	f.settings.log().Debugf("using revision %s of repo %q", rev, repoInfo.URL)

	// Now that we know the rev, check again whether we have it in the store.
	if res, hit := f.cache.Lookup(f.store, lockedAttrs()); hit {
		return makeResult(res.Value, res.Path)
	}

	f.settings.log().Debugf("copying Git tree %q to the store", input.String())

	var src accessor.Accessor
	var filter store.PathFilter

	if !repoInfo.Submodules {
		src, err = newObjectAccessor(repoDir, rev)
		if err != nil {
			return nil, nil, err
		}
	} else {
		tmpDir, err := os.MkdirTemp("", "git-checkout")
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeStore, "failed to create scratch worktree")
		}
		defer os.RemoveAll(tmpDir)

		if err := f.checkoutWithSubmodules(ctx, repoInfo, repoDir, rev, tmpDir); err != nil {
			return nil, nil, err
		}

		src = accessor.NewFS(f.fs, tmpDir)
		filter = isNotDotGit
	}

	storePath, err := f.store.AddToStore(name, src, filter)
	if err != nil {
		return nil, nil, err
	}

	if origRev == "" {
		if err := f.cache.Add(unlockedAttrs, infoAttrs, storePath, false); err != nil {
			return nil, nil, err
		}
	}
	if err := f.cache.Add(lockedAttrs(), infoAttrs, storePath, true); err != nil {
		return nil, nil, err
	}

	return makeResult(infoAttrs, storePath)
}

// updateMirror brings the mirror at cacheDir up to date for one fetch:
// initialize if missing, decide whether a fetch is needed (pinned rev
// already present, ref file freshness, all-refs, shallow-mismatch), fetch,
// and resolve the rev from the local ref file when none was pinned.
//
// Callers must hold the mirror lock; the init → fetch → ref mtime touch →
// HEAD symref write ordering within one call is what readers rely on.
func (f *Fetcher) updateMirror(ctx context.Context, repoInfo *RepoInfo, input *Input, cacheDir, ref string, explicitRef bool) error {
	if err := f.ensureMirror(ctx, cacheDir); err != nil {
		return err
	}

	refFile := localRefFile(cacheDir, ref)

	var doFetch bool
	now := time.Now()

	if rev, ok := input.Rev(); ok {
		// If a rev was specified, we only need to fetch if it's not in the
		// repo already.
		present, err := f.revPresent(ctx, cacheDir, ".", rev)
		if err != nil {
			return err
		}
		doFetch = !present
	} else if repoInfo.AllRefs {
		doFetch = true
	} else {
		// If the local ref is older than the TTL, do a git fetch to update
		// the local ref to the remote ref.
		st, err := os.Stat(refFile)
		doFetch = err != nil || !isWithinTTL(now, st.ModTime(), f.settings.TarballTTL)
	}

	if !doFetch {
		// If we want an unshallow repo but only have a shallow git dir, we
		// need to fetch regardless.
		isShallow, err := f.isShallowRepository(ctx, cacheDir, ".")
		if err != nil {
			return err
		}
		if isShallow && !repoInfo.Shallow {
			doFetch = true
		}
	}

	if doFetch {
		rev, _ := input.Rev()
		if err := f.fetchMirror(ctx, repoInfo, cacheDir, ref, rev, explicitRef); err != nil {
			return err
		}
	}

	if _, ok := input.Rev(); !ok {
		data, err := os.ReadFile(refFile)
		if err != nil {
			return errors.Wrapf(err, errors.CodeNotFound, "failed to read ref %q of repository %q", ref, repoInfo.URL)
		}
		rev := chomp(string(data))
		if !revRegex.MatchString(rev) {
			return errors.Newf(errors.CodeInternal, "ref file %q contains invalid revision %q", refFile, rev)
		}
		input.setRev(rev)
	}

	return nil
}

// checkRevExists verifies that rev names a commit present in the repository,
// turning git's "bad file" answer into an actionable error.
func (f *Fetcher) checkRevExists(ctx context.Context, repoInfo *RepoInfo, repoDir, ref, rev string) error {
	status, output, err := f.runner.run(ctx, runOptions{
		dir:         repoDir,
		gitDir:      repoInfo.GitDir,
		args:        []string{"cat-file", "commit", rev},
		mergeStderr: true,
	})
	if err != nil {
		return err
	}

	if status == 128 && strings.Contains(output, "bad file") {
		return errors.Newf(errors.CodeRevNotFound,
			"cannot find Git revision %q in ref %q of repository %q! "+
				"Please make sure that the rev exists on the ref you've specified or add allRefs = true to the input.",
			rev, ref, repoInfo.URL)
	}

	return nil
}

// checkoutWithSubmodules materializes rev (and its submodules, recursively)
// into the scratch worktree at tmpDir.
//
// For local sources the repository must not be mutated, so a scratch git dir
// borrows the repo's objects via --reference (with
// submodule.alternateLocation=superproject so submodules inherit the
// alternates); for remote sources the mirror's git dir is used directly.
// The origin URL is fixed up either way so submodules with relative URLs
// resolve correctly.
func (f *Fetcher) checkoutWithSubmodules(ctx context.Context, repoInfo *RepoInfo, repoDir, rev, tmpDir string) error {
	tmpGitDir, err := os.MkdirTemp("", "git-scratch-gitdir")
	if err != nil {
		return errors.Wrap(err, errors.CodeStore, "failed to create scratch git dir")
	}
	defer os.RemoveAll(tmpGitDir)

	var gitDir string
	if repoInfo.IsLocal {
		// We can't modify the user's repo, so check out through a separate
		// git dir that references it: objects are borrowed, never written
		// back.
		gitDir = tmpGitDir

		if _, err := f.runner.runChecked(ctx, runOptions{
			args: []string{
				"-c", "init.defaultBranch=" + initialBranch,
				"init", tmpDir,
				"--separate-git-dir", gitDir,
				"--reference", repoDir,
				"-c", "submodule.alternateLocation=superproject",
			},
		}); err != nil {
			return err
		}

		// Ensure that we use the correct origin for fetching submodules;
		// this matters for submodules with relative URLs.
		config, err := os.ReadFile(repoDir + "/" + repoInfo.GitDir + "/config")
		if err != nil {
			return errors.Wrapf(err, errors.CodeStore, "failed to read git config of %q", repoDir)
		}
		if err := os.WriteFile(gitDir+"/config", config, 0o666); err != nil {
			return errors.Wrap(err, errors.CodeStore, "failed to write scratch git config")
		}

		// Restore the core.bare setting we may have just copied erroneously
		// from the user's repo.
		if _, err := f.runner.runChecked(ctx, runOptions{
			args: []string{"--git-dir", gitDir, "--work-tree", tmpDir, "config", "core.bare", "false"},
		}); err != nil {
			return err
		}
	} else {
		gitDir = repoDir + "/" + repoInfo.GitDir

		if _, err := f.runner.runChecked(ctx, runOptions{
			args: []string{"--git-dir", gitDir, "--work-tree", tmpDir, "config", "remote.origin.url", repoInfo.URL},
		}); err != nil {
			return err
		}
	}

	if _, err := f.runner.runChecked(ctx, runOptions{
		args: []string{"--git-dir", gitDir, "--work-tree", tmpDir, "checkout", "--quiet", rev, "."},
	}); err != nil {
		return err
	}

	if !repoInfo.Shallow {
		// In case the repo's submodules were previously initialized as
		// shallow; if they have not been initialized yet this is a no-op.
		if _, err := f.runner.runChecked(ctx, runOptions{
			args: []string{
				"--git-dir", gitDir, "--work-tree", tmpDir,
				"-C", tmpDir,
				"submodule", "foreach", "--recursive",
				"git fetch --unshallow --jobs=" + f.settings.numJobs(),
			},
		}); err != nil {
			return err
		}
	}

	f.settings.log().Debugf("fetching submodules of %q", repoInfo.URL)

	args := []string{
		"--git-dir", gitDir, "--work-tree", tmpDir,
		"-C", tmpDir,
		"submodule", "update",
		"--init", "--recursive", "--quiet", "--recommend-shallow",
		"--jobs", f.settings.numJobs(),
	}
	if repoInfo.Shallow {
		args = append(args, "--depth=1")
	}

	// Try checking out submodules without fetching first: git otherwise
	// fetches unnecessarily when the submodule commit is present but not
	// reachable.
	noFetch := append(append([]string{}, args...), "--no-fetch")
	if _, err := f.runner.runChecked(ctx, runOptions{args: noFetch}); err != nil {
		if _, err := f.runner.runChecked(ctx, runOptions{args: args}); err != nil {
			return err
		}
	}

	return nil
}

// getAccessorFromCheckout serves a local working tree directly: the visible
// files are exactly those git tracks (or has an intent-to-add record for).
func (f *Fetcher) getAccessorFromCheckout(ctx context.Context, repoInfo *RepoInfo, input *Input) (accessor.Accessor, *Input, error) {
	if !repoInfo.IsDirty {
		ref := f.defaultRef(ctx, repoInfo)
		input.setRef(ref)

		rev, err := f.updateRev(ctx, input, repoInfo, ref)
		if err != nil {
			return nil, nil, err
		}

		revCount, err := f.revCount(ctx, repoInfo, repoInfo.URL, rev)
		if err != nil {
			return nil, nil, err
		}
		input.setRevCount(revCount)

		lastModified, err := f.lastModified(ctx, repoInfo, repoInfo.URL, rev)
		if err != nil {
			return nil, nil, err
		}
		input.setLastModified(lastModified)
	} else {
		if err := repoInfo.warnDirty(f.settings); err != nil {
			return nil, nil, err
		}

		lastModified, err := f.lastModifiedForRef(ctx, repoInfo, repoInfo.URL, "HEAD")
		if err != nil {
			return nil, nil, err
		}
		input.setLastModified(lastModified)
	}

	files, err := f.listFiles(ctx, repoInfo)
	if err != nil {
		return nil, nil, err
	}

	acc := accessor.NewFilteredFS(f.fs, repoInfo.URL, files, f.makeNotAllowedError(repoInfo.URL))
	return acc, input, nil
}
