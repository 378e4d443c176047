package git

import (
	"context"
	"os"
	"regexp"
	"strings"
	"time"
)

// initialBranch is the explicit initial branch of our bare mirrors, set to
// suppress warnings from newer versions of git. The value itself does not
// matter, since we always fetch a specific revision or branch; it doubles as
// a sentinel distinguishing "never populated" from a real resolved HEAD. It
// is set with `-c init.defaultBranch=` instead of `--initial-branch=` to stay
// compatible with old versions of git, which ignore unrecognized -c options.
const initialBranch = "__nix_dummy_branch"

// badGitRefRegex rejects ref names git itself would refuse: embedded
// whitespace or control characters, "..", "@{", a leading dash, and friends.
var badGitRefRegex = regexp.MustCompile(
	`//|^[./]|/\.|\.\.|[[:cntrl:][:space:]:?^~\[]|\\|\*|\.lock$|@\{|[/.]$|^@$|^-`)

// revRegex matches a full commit id: SHA-1 or SHA-256 hex.
var revRegex = regexp.MustCompile(`^([0-9a-f]{40}|[0-9a-f]{64})$`)

// lsRemoteLineKind distinguishes the two line shapes ls-remote emits.
type lsRemoteLineKind int

const (
	lsRemoteSymbolic lsRemoteLineKind = iota
	lsRemoteObject
)

type lsRemoteLine struct {
	kind      lsRemoteLineKind
	target    string
	reference string
}

var lsRemoteLineRegex = regexp.MustCompile(`^(ref: *)?([^\s]+)(?:\t+(.*))?$`)

// parseLsRemoteLine parses one line of `git ls-remote --symref` output.
// A symbolic-ref line ("ref: refs/heads/main\tHEAD") yields the target ref
// name; an object line ("<hash>\tHEAD") yields the commit id.
func parseLsRemoteLine(line string) (*lsRemoteLine, bool) {
	m := lsRemoteLineRegex.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	parsed := &lsRemoteLine{
		kind:      lsRemoteObject,
		target:    m[2],
		reference: m[3],
	}
	if m[1] != "" {
		parsed.kind = lsRemoteSymbolic
	}
	return parsed, true
}

// readHead resolves the HEAD of a repository (a local path or a remote URL)
// via `git ls-remote --symref`. Returns the branch name targeted by HEAD,
// e.g. "refs/heads/main" for the output below:
//
//	ref: refs/heads/main	HEAD
//	...
//
// When the remote reports HEAD as a plain object line the commit id is
// returned as if it were a ref name; callers treat this as a usable fallback.
// Returns false on any non-zero exit.
func (f *Fetcher) readHead(ctx context.Context, target string) (string, bool) {
	status, out, err := f.runner.run(ctx, runOptions{
		args: []string{"ls-remote", "--symref", target},
	})
	if err != nil || status != 0 {
		return "", false
	}

	line, _, _ := strings.Cut(out, "\n")
	parsed, ok := parseLsRemoteLine(line)
	if !ok {
		return "", false
	}

	switch parsed.kind {
	case lsRemoteSymbolic:
		f.settings.log().Debugf("resolved HEAD ref %q for repo %q", parsed.target, target)
	case lsRemoteObject:
		f.settings.log().Debugf("resolved HEAD rev %q for repo %q", parsed.target, target)
	}
	return parsed.target, true
}

// isDummyHead reports whether a resolved HEAD is the mirror's sentinel
// initial branch rather than a real remote default.
func isDummyHead(ref string) bool {
	return strings.TrimPrefix(ref, "refs/heads/") == initialBranch
}

// readHeadCached resolves a remote's HEAD with a TTL-bounded on-disk cache.
//
// The mirror's own HEAD symref records the last observed value; while its
// file is within TarballTTL the cached value is used without touching the
// network. On a refresh failure a stale cached value is returned with a
// warning: losing connectivity must not prevent offline use, matching the
// degraded-mode fetch fallback in fetchMirror.
func (f *Fetcher) readHeadCached(ctx context.Context, url string) (string, bool) {
	cacheDir := f.cachePath(url)
	headRefFile := cacheDir + "/HEAD"

	now := time.Now()
	var cachedRef string
	var haveCached bool
	if st, err := os.Stat(headRefFile); err == nil {
		cachedRef, haveCached = f.readHead(ctx, cacheDir)
		if haveCached && !isDummyHead(cachedRef) && isWithinTTL(now, st.ModTime(), f.settings.TarballTTL) {
			f.settings.log().Debugf("using cached HEAD ref %q for repo %q", cachedRef, url)
			return cachedRef, true
		}
	}

	if ref, ok := f.readHead(ctx, url); ok {
		return ref, true
	}

	if haveCached && !isDummyHead(cachedRef) {
		// If the cached git ref is expired and the refresh fails, continue
		// with the most recent version, the same way a failed `git fetch`
		// falls back to the cached ref in fetchMirror.
		f.settings.log().Warnf("could not get HEAD ref for repository %q; using expired cached ref %q", url, cachedRef)
		return cachedRef, true
	}

	return "", false
}

// storeCachedHead persists the resolved remote HEAD in the mirror's symbolic
// HEAD. Returns false if git refused the update.
func (f *Fetcher) storeCachedHead(ctx context.Context, url, headRef string) bool {
	cacheDir := f.cachePath(url)
	status, _, err := f.runner.run(ctx, runOptions{
		dir:    cacheDir,
		gitDir: ".",
		args:   []string{"symbolic-ref", "--", "HEAD", headRef},
	})
	// No need to touch HEAD afterwards: `git symbolic-ref` updates the mtime.
	return err == nil && status == 0
}

// defaultRef resolves the ref to use when the input names none: the repo's
// HEAD branch, or "master" as a last resort.
func (f *Fetcher) defaultRef(ctx context.Context, repoInfo *RepoInfo) string {
	var head string
	var ok bool
	if repoInfo.IsLocal {
		head, ok = f.readHead(ctx, repoInfo.URL)
	} else {
		head, ok = f.readHeadCached(ctx, repoInfo.URL)
	}
	if !ok {
		f.settings.log().Warnf("could not read HEAD ref from repo at %q, using 'master'", repoInfo.URL)
		return "master"
	}
	return head
}
