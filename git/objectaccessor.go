package git

import (
	"io"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rrbutani/nix/accessor"
	"github.com/rrbutani/nix/errors"
)

// objectAccessor is a read-only Accessor over the tree of one commit, served
// directly out of a repository's object database. It never touches the
// working tree, so it is safe against concurrent mirror mutation: objects
// for a known rev are append-only.
type objectAccessor struct {
	repoDir string
	tree    *object.Tree
	display string
}

var _ accessor.Accessor = (*objectAccessor)(nil)

// newObjectAccessor opens the repository at repoDir (bare or not) and
// resolves rev's root tree.
func newObjectAccessor(repoDir, rev string) (*objectAccessor, error) {
	repo, err := gogit.PlainOpen(repoDir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNotARepository, "failed to open Git repository %q", repoDir)
	}

	commit, err := repo.CommitObject(plumbing.NewHash(rev))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNotFound, "revision %q not found in %q", rev, repoDir)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to resolve tree of %q", rev)
	}

	return &objectAccessor{
		repoDir: repoDir,
		tree:    tree,
		display: repoDir,
	}, nil
}

// SetPathDisplay sets the name used for this tree in error messages.
func (a *objectAccessor) SetPathDisplay(display string) {
	a.display = display
}

// entry resolves a canonical path to its tree entry. The root has no entry
// of its own and is reported as (nil, nil).
func (a *objectAccessor) entry(p string) (*object.TreeEntry, error) {
	p = accessor.CanonPath(p)
	if p == "" {
		return nil, nil
	}
	entry, err := a.tree.FindEntry(p)
	if err != nil {
		return nil, errNotFoundIn(p, a.display)
	}
	return entry, nil
}

func errNotFoundIn(p, display string) error {
	return errors.Newf(errors.CodeNotFound, "path %q does not exist in %s", p, display)
}

// PathExists implements accessor.Accessor.
func (a *objectAccessor) PathExists(p string) (bool, error) {
	p = accessor.CanonPath(p)
	if p == "" {
		return true, nil
	}
	_, err := a.tree.FindEntry(p)
	return err == nil, nil
}

// ReadFile implements accessor.Accessor.
func (a *objectAccessor) ReadFile(p string) ([]byte, error) {
	p = accessor.CanonPath(p)

	file, err := a.tree.File(p)
	if err != nil {
		return nil, errNotFoundIn(p, a.display)
	}

	reader, err := file.Blob.Reader()
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to read %q in %s", p, a.display)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// Lstat implements accessor.Accessor.
func (a *objectAccessor) Lstat(p string) (*accessor.Stat, error) {
	entry, err := a.entry(p)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &accessor.Stat{Type: accessor.TypeDirectory}, nil
	}

	switch entry.Mode {
	case filemode.Dir:
		return &accessor.Stat{Type: accessor.TypeDirectory}, nil
	case filemode.Regular, filemode.Deprecated:
		return &accessor.Stat{Type: accessor.TypeRegular}, nil
	case filemode.Executable:
		return &accessor.Stat{Type: accessor.TypeRegular, IsExecutable: true}, nil
	case filemode.Symlink:
		return &accessor.Stat{Type: accessor.TypeSymlink}, nil
	default:
		return nil, errors.Newf(errors.CodeUnsupported,
			"entry %q in %s has unsupported mode %s", accessor.CanonPath(p), a.display, entry.Mode)
	}
}

// ReadDirectory implements accessor.Accessor.
func (a *objectAccessor) ReadDirectory(p string) ([]string, error) {
	p = accessor.CanonPath(p)

	tree := a.tree
	if p != "" {
		subtree, err := a.tree.Tree(p)
		if err != nil {
			return nil, errNotFoundIn(p, a.display)
		}
		tree = subtree
	}

	names := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		names = append(names, entry.Name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadLink implements accessor.Accessor.
func (a *objectAccessor) ReadLink(p string) (string, error) {
	entry, err := a.entry(p)
	if err != nil {
		return "", err
	}
	if entry == nil || entry.Mode != filemode.Symlink {
		return "", errors.Newf(errors.CodeInvalidInput, "path %q in %s is not a symlink", accessor.CanonPath(p), a.display)
	}

	// A symlink's blob holds its target.
	file, err := a.tree.File(accessor.CanonPath(p))
	if err != nil {
		return "", errNotFoundIn(accessor.CanonPath(p), a.display)
	}
	target, err := file.Contents()
	if err != nil {
		return "", errors.Wrapf(err, errors.CodeInternal, "failed to read symlink %q in %s", accessor.CanonPath(p), a.display)
	}
	return target, nil
}
