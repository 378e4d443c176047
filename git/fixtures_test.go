package git

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/rrbutani/nix/store"
)

// commitTime is the fixed timestamp fixture commits carry.
var commitTime = time.Unix(1700000000, 0)

// initTestRepo creates a real repository at dir with one commit on "main"
// containing file.txt, and returns the commit id.
func initTestRepo(t *testing.T, dir string) string {
	t.Helper()

	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName("main"),
		},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("tracked content\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("file.txt")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.invalid",
			When:  commitTime,
		},
	})
	require.NoError(t, err)

	return hash.String()
}

// cloneBareMirror clones srcDir as a bare repository at mirrorDir, standing
// in for a mirror that a previous fetch populated.
func cloneBareMirror(t *testing.T, srcDir, mirrorDir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(mirrorDir), 0o755))
	_, err := gogit.PlainClone(mirrorDir, true, &gogit.CloneOptions{URL: srcDir})
	require.NoError(t, err)
}

// testEnv bundles a fetcher wired to a fake git plus everything tests
// assert against.
type testEnv struct {
	fetcher  *Fetcher
	exec     *fakeExecutor
	settings *Settings
	store    *store.Local
	cache    *store.Cache
	logHook  *logtest.Hook
}

func newTestEnv(t *testing.T, handler fakeHandler) *testEnv {
	t.Helper()

	tmp := t.TempDir()
	fs := osfs.New("/")

	st, err := store.NewLocal(fs, filepath.Join(tmp, "store"))
	require.NoError(t, err)

	cache, err := store.NewCache(fs, filepath.Join(tmp, "cache.json"))
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	settings := &Settings{
		CacheRoot:    filepath.Join(tmp, "cache-root"),
		TarballTTL:   time.Hour,
		MaxBuildJobs: 1,
		AllowDirty:   true,
		WarnDirty:    true,
		Logger:       logger,
	}

	fake := newFakeExecutor(handler)
	fetcher := NewFetcher(settings, st, cache, WithExecutor(fake))

	return &testEnv{
		fetcher:  fetcher,
		exec:     fake,
		settings: settings,
		store:    st,
		cache:    cache,
		logHook:  hook,
	}
}

// warned reports whether a warning containing substr was logged.
func (e *testEnv) warned(substr string) bool {
	for _, entry := range e.logHook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}
