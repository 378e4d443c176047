package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrbutani/nix/errors"
)

const remoteURL = "https://example.invalid/r.git"

// mirrorHandler scripts the git subcommands the snapshot builder runs
// against an up-to-date mirror containing rev.
func mirrorHandler(rev string, revCount int) fakeHandler {
	return func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "cat-file":
			// Covers both `cat-file -e <rev>` and `cat-file commit <rev>`.
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "false\n", 0
			}
			return "", 1
		case "log":
			return fmt.Sprintf("%d\n", commitTime.Unix()), 0
		case "rev-list":
			return fmt.Sprintf("%d\n", revCount), 0
		}
		return "", 1
	}
}

// Scenario: a pinned rev already present in a prebuilt mirror resolves
// without any fetch and yields fully locked metadata.
func TestGetAccessor_RevInMirror(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	env := newTestEnv(t, mirrorHandler(rev, 3))
	cloneBareMirror(t, srcDir, env.fetcher.cachePath(remoteURL))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main&rev=" + rev)
	require.NoError(t, err)

	acc, locked, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	// No network access happened.
	assert.Zero(t, env.exec.countSubcommand("fetch"))
	assert.Zero(t, env.exec.countSubcommand("ls-remote"))

	gotRev, _ := locked.Rev()
	assert.Equal(t, rev, gotRev)
	assert.True(t, locked.IsLocked())

	lastModified, ok := locked.LastModified()
	require.True(t, ok)
	assert.Equal(t, uint64(commitTime.Unix()), lastModified)

	revCount, ok := locked.RevCount()
	require.True(t, ok)
	assert.Equal(t, uint64(3), revCount)

	narHash, ok := locked.NarHash()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(narHash, "sha256-"))

	data, err := acc.ReadFile("file.txt")
	require.NoError(t, err)
	assert.Equal(t, "tracked content\n", string(data))
}

// Two fetches of the same rev share the locked record and hash identically.
func TestGetAccessor_LockedRecordIsShared(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	env := newTestEnv(t, mirrorHandler(rev, 3))
	cloneBareMirror(t, srcDir, env.fetcher.cachePath(remoteURL))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main&rev=" + rev)
	require.NoError(t, err)

	_, first, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)
	catFiles := env.exec.countSubcommand("cat-file")

	_, second, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	// The second fetch was served from the locked cache record without
	// touching the mirror again.
	assert.Equal(t, catFiles, env.exec.countSubcommand("cat-file"))

	h1, _ := first.NarHash()
	h2, _ := second.NarHash()
	assert.Equal(t, h1, h2)
}

// A fresh local ref means no fetch subprocess at all.
func TestGetAccessor_FreshRefSkipsFetch(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	env := newTestEnv(t, mirrorHandler(rev, 1))
	mirror := env.fetcher.cachePath(remoteURL)
	cloneBareMirror(t, srcDir, mirror)

	// The bare clone just stamped refs/heads/main, so it is within TTL.
	input, err := InputFromURL("git+" + remoteURL + "?ref=main")
	require.NoError(t, err)

	_, locked, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	assert.Zero(t, env.exec.countSubcommand("fetch"))

	// The rev was resolved from the local ref file.
	gotRev, ok := locked.Rev()
	require.True(t, ok)
	assert.Equal(t, rev, gotRev)
}

// A stale local ref triggers exactly one fetch.
func TestGetAccessor_StaleRefFetches(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	env := newTestEnv(t, mirrorHandler(rev, 1))
	mirror := env.fetcher.cachePath(remoteURL)
	cloneBareMirror(t, srcDir, mirror)

	refFile := localRefFile(mirror, "main")
	old := time.Now().Add(-2 * env.settings.TarballTTL)
	require.NoError(t, os.Chtimes(refFile, old, old))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main")
	require.NoError(t, err)

	_, _, err = env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 1, env.exec.countSubcommand("fetch"))

	// The fetch stamped the ref file.
	st, err := os.Stat(refFile)
	require.NoError(t, err)
	assert.True(t, isWithinTTL(time.Now(), st.ModTime(), env.settings.TarballTTL))
}

// Scenario: shallow remote fetch with no pinned rev does a depth-one fetch
// and omits revCount from the locked result.
func TestGetAccessor_Shallow(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	var fetchCall fakeCall
	env := newTestEnv(t, func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "fetch":
			fetchCall = call
			return "", 0
		case "cat-file":
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "true\n", 0
			}
			return "", 1
		case "log":
			return fmt.Sprintf("%d\n", commitTime.Unix()), 0
		}
		return "", 1
	})

	mirror := env.fetcher.cachePath(remoteURL)
	cloneBareMirror(t, srcDir, mirror)

	refFile := localRefFile(mirror, "main")
	old := time.Now().Add(-2 * env.settings.TarballTTL)
	require.NoError(t, os.Chtimes(refFile, old, old))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main&shallow=1")
	require.NoError(t, err)

	_, locked, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	require.Equal(t, 1, env.exec.countSubcommand("fetch"))
	assert.True(t, fetchCall.has("--depth=1"))
	assert.True(t, fetchCall.has("refs/heads/main:refs/heads/main"))

	gotRev, _ := locked.Rev()
	assert.Equal(t, rev, gotRev)

	_, hasRevCount := locked.RevCount()
	assert.False(t, hasRevCount)

	_, hasLastModified := locked.LastModified()
	assert.True(t, hasLastModified)
}

// A shallow mirror serving a full-depth request is an error.
func TestGetAccessor_ShallowMismatch(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	env := newTestEnv(t, func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "cat-file":
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "true\n", 0
			}
			return "", 1
		case "fetch":
			return "", 0
		}
		return "", 1
	})
	cloneBareMirror(t, srcDir, env.fetcher.cachePath(remoteURL))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main&rev=" + rev)
	require.NoError(t, err)

	_, _, err = env.fetcher.GetAccessor(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, errors.CodeShallowMismatch, errors.GetCode(err))
}

// Scenario: a rev that is still absent after fetching its ref produces an
// actionable error naming both the rev and the ref.
func TestGetAccessor_RevNotFound(t *testing.T) {
	srcDir := t.TempDir()
	initTestRepo(t, srcDir)
	missing := strings.Repeat("d", 40)

	env := newTestEnv(t, func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "cat-file":
			if call.has("-e") {
				return "", 1 // rev not present: triggers the fetch
			}
			return "fatal: git cat-file: could not get object info: bad file\n", 128
		case "fetch":
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "false\n", 0
			}
			return "", 1
		}
		return "", 1
	})
	cloneBareMirror(t, srcDir, env.fetcher.cachePath(remoteURL))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main&rev=" + missing)
	require.NoError(t, err)

	_, _, err = env.fetcher.GetAccessor(context.Background(), input)
	require.Error(t, err)

	assert.Equal(t, errors.CodeRevNotFound, errors.GetCode(err))
	assert.Contains(t, err.Error(), missing)
	assert.Contains(t, err.Error(), "main")
	assert.Contains(t, err.Error(), "allRefs")

	assert.Equal(t, 1, env.exec.countSubcommand("fetch"))
}

// A failed fetch over an existing local ref degrades to a warning.
func TestGetAccessor_FetchFailureFallsBack(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	env := newTestEnv(t, func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "fetch":
			return "", 128 // network down
		case "cat-file":
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "false\n", 0
			}
			return "", 1
		case "log":
			return fmt.Sprintf("%d\n", commitTime.Unix()), 0
		case "rev-list":
			return "1\n", 0
		}
		return "", 1
	})

	mirror := env.fetcher.cachePath(remoteURL)
	cloneBareMirror(t, srcDir, mirror)

	refFile := localRefFile(mirror, "main")
	old := time.Now().Add(-2 * env.settings.TarballTTL)
	require.NoError(t, os.Chtimes(refFile, old, old))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main")
	require.NoError(t, err)

	_, locked, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	assert.True(t, env.warned("continuing with the most recent version"))

	gotRev, _ := locked.Rev()
	assert.Equal(t, rev, gotRev)
}

// The resolved default branch is written into the mirror's HEAD after a
// fetch when the caller named no ref.
func TestGetAccessor_StoresResolvedHead(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	var symbolicRef fakeCall
	env := newTestEnv(t, func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "ls-remote":
			return "ref: refs/heads/main\tHEAD\n", 0
		case "fetch":
			return "", 0
		case "symbolic-ref":
			symbolicRef = call
			return "", 0
		case "cat-file":
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "false\n", 0
			}
			return "", 1
		case "log":
			return fmt.Sprintf("%d\n", commitTime.Unix()), 0
		case "rev-list":
			return "1\n", 0
		}
		return "", 1
	})

	mirror := env.fetcher.cachePath(remoteURL)
	cloneBareMirror(t, srcDir, mirror)

	// The resolved default ref is refs/heads/main; make it stale so the
	// fetch (and with it the HEAD update) runs.
	refFile := localRefFile(mirror, "refs/heads/main")
	old := time.Now().Add(-2 * env.settings.TarballTTL)
	require.NoError(t, os.Chtimes(refFile, old, old))

	input, err := InputFromURL("git+" + remoteURL)
	require.NoError(t, err)

	_, locked, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	require.Equal(t, 1, env.exec.countSubcommand("symbolic-ref"))
	assert.True(t, symbolicRef.has("refs/heads/main"))

	gotRev, _ := locked.Rev()
	assert.Equal(t, rev, gotRev)
}

// The submodule path materializes through a scratch worktree and filters
// .git out of the snapshot.
func TestGetAccessor_Submodules(t *testing.T) {
	srcDir := t.TempDir()
	rev := initTestRepo(t, srcDir)

	var checkoutDir string
	var sawNoFetch, sawConfig bool
	env := newTestEnv(t, func(call fakeCall) (string, int) {
		switch call.subcommand() {
		case "cat-file":
			return "", 0
		case "rev-parse":
			if call.has("--is-shallow-repository") {
				return "false\n", 0
			}
			return "", 1
		case "log":
			return fmt.Sprintf("%d\n", commitTime.Unix()), 0
		case "rev-list":
			return "1\n", 0
		case "config":
			sawConfig = true
			return "", 0
		case "checkout":
			// Populate the scratch worktree the way git would.
			checkoutDir = call.argAfter("--work-tree")
			writeErr := os.WriteFile(filepath.Join(checkoutDir, "file.txt"), []byte("from checkout\n"), 0o644)
			if writeErr != nil {
				return "", 1
			}
			if err := os.MkdirAll(filepath.Join(checkoutDir, ".git"), 0o755); err != nil {
				return "", 1
			}
			return "", 0
		case "submodule":
			if call.has("--no-fetch") {
				sawNoFetch = true
			}
			return "", 0
		}
		return "", 1
	})
	cloneBareMirror(t, srcDir, env.fetcher.cachePath(remoteURL))

	input, err := InputFromURL("git+" + remoteURL + "?ref=main&rev=" + rev + "&submodules=1")
	require.NoError(t, err)

	acc, locked, err := env.fetcher.GetAccessor(context.Background(), input)
	require.NoError(t, err)

	assert.True(t, sawConfig)
	assert.True(t, sawNoFetch)

	data, err := acc.ReadFile("file.txt")
	require.NoError(t, err)
	assert.Equal(t, "from checkout\n", string(data))

	// .git never makes it into the snapshot.
	ok, err := acc.PathExists(".git")
	require.NoError(t, err)
	assert.False(t, ok)

	// The scratch worktree is gone.
	require.NotEmpty(t, checkoutDir)
	assert.False(t, pathExists(checkoutDir))

	gotRev, _ := locked.Rev()
	assert.Equal(t, rev, gotRev)
}
