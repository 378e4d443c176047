package accessor

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/rrbutani/nix/errors"
)

// NotAllowedFunc builds the error returned when a path outside the allowed
// set is accessed. It receives the canonical path that was denied.
type NotAllowedFunc func(path string) error

// FS is an Accessor over a subtree of a billy filesystem.
//
// When constructed with an allowed set, only the listed paths (and the
// directories leading to them) are visible; everything else yields the error
// produced by the NotAllowedFunc. This is how a dirty working tree is
// restricted to the files git knows about.
type FS struct {
	fs         billy.Filesystem
	root       string
	allowed    map[string]struct{}
	notAllowed NotAllowedFunc
	display    string
}

var _ Accessor = (*FS)(nil)

// NewFS returns an accessor over root on fs with no path restrictions.
func NewFS(fs billy.Filesystem, root string) *FS {
	return &FS{
		fs:      fs,
		root:    root,
		display: root,
	}
}

// NewFilteredFS returns an accessor over root on fs that only exposes the
// canonical paths in allowed. Access to any other path returns the error
// built by notAllowed.
func NewFilteredFS(fs billy.Filesystem, root string, allowed map[string]struct{}, notAllowed NotAllowedFunc) *FS {
	return &FS{
		fs:         fs,
		root:       root,
		allowed:    allowed,
		notAllowed: notAllowed,
		display:    root,
	}
}

// SetPathDisplay sets the name used for this tree in error messages.
func (a *FS) SetPathDisplay(display string) {
	a.display = display
}

// isAllowed reports whether the canonical path is visible through the
// accessor. The root is always visible; a path is visible when it is in the
// allowed set, lies under an allowed entry, or is a directory containing one.
func (a *FS) isAllowed(p string) bool {
	if a.allowed == nil || p == "" {
		return true
	}
	if _, ok := a.allowed[p]; ok {
		return true
	}
	// Under an allowed entry.
	for parent := p; parent != ""; {
		i := strings.LastIndexByte(parent, '/')
		if i < 0 {
			break
		}
		parent = parent[:i]
		if _, ok := a.allowed[parent]; ok {
			return true
		}
	}
	// A directory on the way to an allowed entry.
	prefix := p + "/"
	for entry := range a.allowed {
		if strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	return false
}

// checkAllowed returns the restriction error for a hidden path, or nil.
func (a *FS) checkAllowed(p string) error {
	if a.isAllowed(p) {
		return nil
	}
	if a.notAllowed != nil {
		return a.notAllowed(p)
	}
	return errors.Newf(errors.CodeRestrictedPath, "access to path %q in %s is restricted", p, a.display)
}

// abs maps a canonical path to the underlying filesystem path.
func (a *FS) abs(p string) string {
	if p == "" {
		return a.root
	}
	return a.root + "/" + p
}

// PathExists reports whether the path names a visible entry.
func (a *FS) PathExists(p string) (bool, error) {
	p = CanonPath(p)
	if !a.isAllowed(p) {
		return false, nil
	}
	if _, err := a.fs.Lstat(a.abs(p)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadFile returns the contents of a visible regular file.
func (a *FS) ReadFile(p string) ([]byte, error) {
	p = CanonPath(p)
	if err := a.checkAllowed(p); err != nil {
		return nil, err
	}

	f, err := a.fs.Open(a.abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(p, a.display)
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// Lstat describes a visible entry without following symlinks.
func (a *FS) Lstat(p string) (*Stat, error) {
	p = CanonPath(p)
	if err := a.checkAllowed(p); err != nil {
		return nil, err
	}

	fi, err := a.fs.Lstat(a.abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(p, a.display)
		}
		return nil, err
	}

	st := &Stat{Type: TypeRegular}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		st.Type = TypeSymlink
	case fi.IsDir():
		st.Type = TypeDirectory
	default:
		st.IsExecutable = fi.Mode()&0o100 != 0
	}
	return st, nil
}

// ReadDirectory returns the visible immediate children of a directory.
func (a *FS) ReadDirectory(p string) ([]string, error) {
	p = CanonPath(p)
	if err := a.checkAllowed(p); err != nil {
		return nil, err
	}

	infos, err := a.fs.ReadDir(a.abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(p, a.display)
		}
		return nil, err
	}

	var names []string
	for _, fi := range infos {
		child := fi.Name()
		if p != "" {
			child = p + "/" + child
		}
		if a.isAllowed(child) {
			names = append(names, fi.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadLink returns the target of a visible symbolic link.
func (a *FS) ReadLink(p string) (string, error) {
	p = CanonPath(p)
	if err := a.checkAllowed(p); err != nil {
		return "", err
	}

	target, err := a.fs.Readlink(a.abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errNotFound(p, a.display)
		}
		return "", err
	}
	return target, nil
}
