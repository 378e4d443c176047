package git

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/rrbutani/nix/errors"
	"github.com/rrbutani/nix/store"
)

// cachePath derives the mirror directory for a URL: a bare repository at
// <CacheRoot>/nix/gitv4/<sha256(url) base32>.
func (f *Fetcher) cachePath(url string) string {
	digest := sha256.Sum256([]byte(url))
	return filepath.Join(f.settings.CacheRoot, "nix", "gitv4", store.EncodeBase32(digest[:]))
}

// isWithinTTL reports whether a cache file stamped at mtime is still fresh.
func isWithinTTL(now, mtime time.Time, ttl time.Duration) bool {
	return mtime.Add(ttl).After(now)
}

// touchCacheFile stamps a cache file's mtime.
func touchCacheFile(path string, touchTime time.Time) error {
	return os.Chtimes(path, touchTime, touchTime)
}

// localRefFile maps a ref name to the file recording it inside the mirror.
func localRefFile(cacheDir, ref string) string {
	if strings.HasPrefix(ref, "refs/") {
		return cacheDir + "/" + ref
	}
	return cacheDir + "/refs/heads/" + ref
}

// lockBlocker retries a contended lock until the context is done.
func lockBlocker(ctx context.Context) fslock.Blocker {
	return func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	}
}

// withMirrorLock runs fn while holding the advisory file lock guarding a
// mirror directory. The lock is held across creation, `git init`, `git
// fetch`, the symbolic HEAD update and the ref mtime touch; read-only
// operations on specific revisions do not take it, since git's object files
// are append-only and only the ref files and HEAD are mutated under the lock.
func withMirrorLock(ctx context.Context, cacheDir string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(cacheDir), 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeStore, "failed to create mirror cache root for %q", cacheDir)
	}
	return fslock.WithBlocking(cacheDir+".lock", lockBlocker(ctx), fn)
}

// ensureMirror initializes the bare mirror repository if it does not exist.
// Callers must hold the mirror lock.
func (f *Fetcher) ensureMirror(ctx context.Context, cacheDir string) error {
	if _, err := os.Stat(cacheDir); err == nil {
		return nil
	}
	_, err := f.runner.runChecked(ctx, runOptions{
		args: []string{"-c", "init.defaultBranch=" + initialBranch, "init", "--bare", cacheDir},
	})
	return err
}

// isShallowRepository reports whether the repository at dir is a shallow clone.
func (f *Fetcher) isShallowRepository(ctx context.Context, dir, gitDir string) (bool, error) {
	out, err := f.runner.runChecked(ctx, runOptions{
		dir:    dir,
		gitDir: gitDir,
		args:   []string{"rev-parse", "--is-shallow-repository"},
	})
	if err != nil {
		return false, err
	}
	return chomp(out) == "true", nil
}

// revPresent reports whether the repository at dir already contains rev.
func (f *Fetcher) revPresent(ctx context.Context, dir, gitDir, rev string) (bool, error) {
	status, _, err := f.runner.run(ctx, runOptions{
		dir:    dir,
		gitDir: gitDir,
		args:   []string{"cat-file", "-e", rev},
	})
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

// fetchRefspec computes the src side of the refspec for a non-shallow fetch.
func fetchRefspec(repoInfo *RepoInfo, ref string) string {
	switch {
	case repoInfo.AllRefs:
		return "refs/*"
	case strings.HasPrefix(ref, "refs/"), ref == "HEAD":
		return ref
	default:
		return "refs/heads/" + ref
	}
}

// fetchMirror updates the mirror at cacheDir from the remote, honoring the
// shallow and all-refs options. rev is the pinned revision, if any;
// explicitRef records whether the caller named the ref (as opposed to it
// being the resolved remote default).
//
// On fetch failure, if the ref was fetched before, a warning is emitted and
// the cached version is used; otherwise the error propagates. In both the
// success and the fallback case the local ref file's mtime is then set to the
// fetch time, and when the ref was not supplied by the caller the resolved
// default is written into the mirror's symbolic HEAD.
//
// Callers must hold the mirror lock.
func (f *Fetcher) fetchMirror(ctx context.Context, repoInfo *RepoInfo, cacheDir, ref, rev string, explicitRef bool) error {
	log := f.settings.log()
	log.Debugf("fetching Git repository %q", repoInfo.URL)

	now := time.Now()
	refFile := localRefFile(cacheDir, ref)

	fetchRef := fetchRefspec(repoInfo, ref)

	args := []string{"fetch", "--quiet", "--force", "--jobs", f.settings.numJobs()}

	src := fetchRef
	if repoInfo.Shallow {
		args = append(args, "--depth=1")
		if rev != "" {
			src = rev
		}
	} else {
		// If the mirror is already shallow and we've been asked for a
		// full-depth clone, unshallow it.
		isShallow, err := f.isShallowRepository(ctx, cacheDir, ".")
		if err != nil {
			return err
		}
		if isShallow {
			args = append(args, "--unshallow")
		}
	}

	// Note: for shallow clones this does not verify that rev is actually
	// reachable from ref.
	args = append(args, "--", repoInfo.URL, src+":"+fetchRef)

	if _, err := f.runner.runChecked(ctx, runOptions{dir: cacheDir, gitDir: ".", args: args}); err != nil {
		if _, statErr := os.Stat(refFile); statErr != nil {
			return errors.Wrapf(err, errors.CodeNetwork, "failed to fetch Git repository %q", repoInfo.URL)
		}
		log.Warnf("could not update local clone of Git repository %q; continuing with the most recent version", repoInfo.URL)
	}

	if err := touchCacheFile(refFile, now); err != nil {
		log.Warnf("could not update mtime for file %q: %v", refFile, err)
	}
	if !explicitRef && !f.storeCachedHead(ctx, repoInfo.URL, ref) {
		log.Warnf("could not update cached head %q for %q", ref, repoInfo.URL)
	}

	return nil
}
