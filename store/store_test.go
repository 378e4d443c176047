package store

import (
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrbutani/nix/accessor"
	"github.com/rrbutani/nix/errors"
)

func writeTree(t *testing.T, fs billy.Filesystem, root string) {
	t.Helper()
	require.NoError(t, util.WriteFile(fs, root+"/hello.txt", []byte("hello\n"), 0o644))
	require.NoError(t, util.WriteFile(fs, root+"/bin/run", []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, fs.Symlink("hello.txt", root+"/link"))
}

func TestAddToStore(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, "/src")

	s, err := NewLocal(fs, "/store")
	require.NoError(t, err)

	path, err := s.AddToStore("source", accessor.NewFS(fs, "/src"), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(path), "/store/"))
	assert.True(t, strings.HasSuffix(string(path), "-source"))

	// The tree was copied faithfully.
	data, err := util.ReadFile(fs, string(path)+"/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	target, err := fs.Readlink(string(path) + "/link")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", target)

	info, err := s.QueryPathInfo(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.NarHash, "sha256-"))
	assert.Equal(t, int64(len("hello\n")+len("#!/bin/sh\n")), info.NarSize)
}

func TestAddToStore_Deterministic(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, "/src")

	s, err := NewLocal(fs, "/store")
	require.NoError(t, err)

	path1, err := s.AddToStore("source", accessor.NewFS(fs, "/src"), nil)
	require.NoError(t, err)
	path2, err := s.AddToStore("source", accessor.NewFS(fs, "/src"), nil)
	require.NoError(t, err)
	assert.Equal(t, path1, path2)

	// Same content under a second root hashes identically.
	writeTree(t, fs, "/other")
	path3, err := s.AddToStore("source", accessor.NewFS(fs, "/other"), nil)
	require.NoError(t, err)
	assert.Equal(t, path1, path3)

	// A content change moves the store path.
	require.NoError(t, util.WriteFile(fs, "/src/hello.txt", []byte("changed\n"), 0o644))
	path4, err := s.AddToStore("source", accessor.NewFS(fs, "/src"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, path1, path4)
}

func TestAddToStore_Filter(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, "/src")
	require.NoError(t, util.WriteFile(fs, "/src/.git/config", []byte("[core]\n"), 0o644))

	s, err := NewLocal(fs, "/store")
	require.NoError(t, err)

	notDotGit := func(p string) bool {
		return p != ".git" && !strings.HasSuffix(p, "/.git")
	}
	path, err := s.AddToStore("source", accessor.NewFS(fs, "/src"), notDotGit)
	require.NoError(t, err)

	_, err = fs.Stat(string(path) + "/.git")
	assert.Error(t, err)

	// Filtered insertion matches a tree that never had the entry.
	fs2 := memfs.New()
	writeTree(t, fs2, "/src")
	s2, err := NewLocal(fs2, "/store")
	require.NoError(t, err)
	clean, err := s2.AddToStore("source", accessor.NewFS(fs2, "/src"), nil)
	require.NoError(t, err)
	assert.Equal(t, clean, path)
}

func TestQueryPathInfo_Missing(t *testing.T) {
	fs := memfs.New()
	s, err := NewLocal(fs, "/store")
	require.NoError(t, err)

	_, err = s.QueryPathInfo("/store/xxxx-nothing")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
}

func TestAccessor(t *testing.T) {
	fs := memfs.New()
	writeTree(t, fs, "/src")

	s, err := NewLocal(fs, "/store")
	require.NoError(t, err)

	path, err := s.AddToStore("source", accessor.NewFS(fs, "/src"), nil)
	require.NoError(t, err)

	acc, err := s.Accessor(path)
	require.NoError(t, err)

	data, err := acc.ReadFile("bin/run")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	st, err := acc.Lstat("bin/run")
	require.NoError(t, err)
	assert.True(t, st.IsExecutable)
}
