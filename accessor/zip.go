package accessor

import (
	"archive/zip"
	"io"
	"sort"
	"strings"

	"github.com/rrbutani/nix/errors"
)

// creatorUnix is the "version made by" host value for Unix in the zip format.
const creatorUnix = 3

// Zip is a read-only Accessor over the members of a ZIP archive.
//
// The archive's directory is read once at construction time and indexed into
// a sorted table, because the underlying reader's name lookup is linear and
// the accessor is expected to serve many lookups per archive. Only members
// whose name contains a slash are indexed; the archives this accessor is
// pointed at always carry their payload inside a directory. The archive root
// has no entry of its own: PathExists, Lstat and ReadDirectory report the
// empty path as missing.
type Zip struct {
	path    string
	reader  *zip.ReadCloser
	names   []string             // sorted canonical member names ("a/b.txt", "a/c/")
	members map[string]*zip.File // canonical name → member
	display string
}

var _ Accessor = (*Zip)(nil)

// NewZip opens the archive at path and indexes its members.
// The returned accessor must be closed when no longer needed.
func NewZip(path string) (*Zip, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStore, "couldn't open %q", path)
	}

	z := &Zip{
		path:    path,
		reader:  reader,
		members: make(map[string]*zip.File, len(reader.File)),
		display: path,
	}

	for _, f := range reader.File {
		if !strings.Contains(f.Name, "/") {
			continue
		}
		if _, dup := z.members[f.Name]; !dup {
			z.names = append(z.names, f.Name)
		}
		z.members[f.Name] = f
	}
	sort.Strings(z.names)

	return z, nil
}

// Close releases the underlying archive handle.
func (z *Zip) Close() error {
	return z.reader.Close()
}

// SetPathDisplay sets the name used for this archive in error messages.
func (z *Zip) SetPathDisplay(display string) {
	z.display = display
}

// PathExists reports whether the path names an archive member.
// Directories are represented in the index by their trailing-slash markers.
func (z *Zip) PathExists(p string) (bool, error) {
	p = CanonPath(p)
	if _, ok := z.members[p]; ok {
		return true, nil
	}
	_, ok := z.members[p+"/"]
	return ok, nil
}

// ReadFile returns the contents of an archive member.
func (z *Zip) ReadFile(p string) ([]byte, error) {
	p = CanonPath(p)

	f, ok := z.members[p]
	if !ok {
		return nil, errNotFound(p, z.display)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStore, "couldn't open archive member %q in %q", p, z.path)
	}
	defer rc.Close()

	buf := make([]byte, f.UncompressedSize64)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStore, "couldn't read archive member %q in %q", p, z.path)
	}
	return buf, nil
}

// Lstat describes an archive member. A path with no exact member is retried
// with a trailing slash and, when that matches, reported as a directory.
//
// For members written on Unix the POSIX file mode lives in the upper 16 bits
// of the external attributes; regular files, directories, and symlinks are
// recognized and anything else is an error. Members written elsewhere are
// plain regular files.
func (z *Zip) Lstat(p string) (*Stat, error) {
	p = CanonPath(p)

	st := &Stat{Type: TypeRegular}

	f, ok := z.members[p]
	if !ok {
		f, ok = z.members[p+"/"]
		st.Type = TypeDirectory
	}
	if !ok {
		return nil, errNotFound(p, z.display)
	}

	if f.CreatorVersion>>8 == creatorUnix {
		mode := f.ExternalAttrs >> 16
		switch mode & 0o170000 {
		case 0o040000:
			st.Type = TypeDirectory
		case 0o100000:
			st.Type = TypeRegular
			st.IsExecutable = mode&0o100 != 0
		case 0o120000:
			st.Type = TypeSymlink
		default:
			return nil, errors.Newf(errors.CodeUnsupported,
				"file %q in %q has unsupported type %o", p, z.path, mode&0o170000)
		}
	}

	return st, nil
}

// ReadDirectory returns the immediate children of a directory member.
//
// A child appears once whether it is indexed as a file ("dir/name") or as a
// directory marker ("dir/name/"); deeper descendants are skipped.
func (z *Zip) ReadDirectory(p string) ([]string, error) {
	prefix := CanonPath(p) + "/"

	if _, ok := z.members[prefix]; !ok {
		return nil, errors.Newf(errors.CodeNotFound, "directory %q does not exist in %s", CanonPath(p), z.display)
	}

	var names []string
	seen := make(map[string]struct{})
	i := sort.SearchStrings(z.names, prefix)
	for ; i < len(z.names) && strings.HasPrefix(z.names[i], prefix); i++ {
		rest := z.names[i][len(prefix):]
		if rest == "" {
			continue // the directory marker itself
		}
		if j := strings.IndexByte(rest, '/'); j >= 0 && j != len(rest)-1 {
			continue // nested descendant
		}
		name := strings.TrimSuffix(rest, "/")
		if _, dup := seen[name]; dup {
			continue // indexed both as a file and as a marker
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadLink is not supported for ZIP archives.
func (z *Zip) ReadLink(p string) (string, error) {
	return "", errors.Newf(errors.CodeUnsupported, "reading symlinks out of %s is not supported", z.display)
}
