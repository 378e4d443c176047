// Package accessor provides read-only virtual filesystem capabilities over
// heterogeneous sources: filesystem subtrees, ZIP archives, and git object
// stores. Callers program against the Accessor interface and never learn
// which variant is backing it.
package accessor

import (
	"path"
	"strings"

	"github.com/rrbutani/nix/errors"
)

// FileType identifies the kind of a filesystem entry.
type FileType int

const (
	// TypeRegular is a regular file.
	TypeRegular FileType = iota
	// TypeDirectory is a directory.
	TypeDirectory
	// TypeSymlink is a symbolic link.
	TypeSymlink
)

// String returns a human-readable name for the file type.
func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Stat describes a single entry as seen through an Accessor.
type Stat struct {
	Type         FileType
	IsExecutable bool
}

// Accessor is a read-only view onto a tree of files.
//
// All paths are slash-separated and relative to the accessor's root; they are
// canonicalized before use, so "a//b", "/a/b" and "./a/b" all name the same
// entry. The empty path names the root.
type Accessor interface {
	// PathExists reports whether the path names an entry.
	PathExists(path string) (bool, error)

	// ReadFile returns the contents of a regular file.
	ReadFile(path string) ([]byte, error)

	// Lstat describes the entry at path without following symlinks.
	Lstat(path string) (*Stat, error)

	// ReadDirectory returns the names of the immediate children of a
	// directory, sorted.
	ReadDirectory(path string) ([]string, error)

	// ReadLink returns the target of a symbolic link.
	ReadLink(path string) (string, error)

	// SetPathDisplay sets the name used for this accessor's tree in error
	// messages (e.g. the originating URL).
	SetPathDisplay(display string)
}

// CanonPath canonicalizes a slash-separated path: leading and trailing
// slashes are stripped, "." and ".." segments are resolved, and the root
// becomes the empty string.
func CanonPath(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// errNotFound constructs the standard does-not-exist error for accessors.
func errNotFound(p, display string) error {
	return errors.Newf(errors.CodeNotFound, "path %q does not exist in %s", p, display)
}
