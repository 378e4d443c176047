package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sort"

	"github.com/rrbutani/nix/accessor"
)

// nixBase32Alphabet omits the characters e, o, u and t to avoid accidental
// obscenities in store path names.
const nixBase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// EncodeBase32 renders a hash in the reversed base-32 encoding used for
// store path digests.
func EncodeBase32(digest []byte) string {
	bits := len(digest) * 8
	length := (bits-1)/5 + 1

	out := make([]byte, length)
	for n := length - 1; n >= 0; n-- {
		b := n * 5
		i := b / 8
		j := b % 8
		var c byte
		c = digest[i] >> j
		if i+1 < len(digest) {
			c |= digest[i+1] << (8 - j)
		}
		out[length-1-n] = nixBase32Alphabet[c&0x1f]
	}
	return string(out)
}

// SRIHash renders a sha256 digest in SRI form ("sha256-<base64>").
func SRIHash(digest []byte) string {
	return "sha256-" + base64.StdEncoding.EncodeToString(digest)
}

// PathFilter decides whether a tree entry (identified by its canonical
// relative path) is included in a serialization. A nil filter includes
// everything.
type PathFilter func(path string) bool

// treeHasher serializes an accessor tree into a deterministic byte stream
// and hashes it. The serialization is a recursive archive: every entry is
// written as length-prefixed tokens (type, executable flag, contents or
// target), directory children in sorted order. Two trees serialize
// identically exactly when they have the same shape, file modes, and
// contents.
type treeHasher struct {
	h    hash.Hash
	size int64
}

func newTreeHasher() *treeHasher {
	return &treeHasher{h: sha256.New()}
}

func (t *treeHasher) token(s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	t.h.Write(lenBuf[:])
	t.h.Write([]byte(s))
}

func (t *treeHasher) sum() []byte {
	return t.h.Sum(nil)
}

// serialize walks the tree rooted at path, feeding the hasher.
func (t *treeHasher) serialize(src accessor.Accessor, path string, filter PathFilter) error {
	st, err := src.Lstat(path)
	if err != nil {
		return err
	}

	switch st.Type {
	case accessor.TypeRegular:
		data, err := src.ReadFile(path)
		if err != nil {
			return err
		}
		t.token("regular")
		if st.IsExecutable {
			t.token("executable")
		}
		t.token(string(data))
		t.size += int64(len(data))

	case accessor.TypeSymlink:
		target, err := src.ReadLink(path)
		if err != nil {
			return err
		}
		t.token("symlink")
		t.token(target)

	case accessor.TypeDirectory:
		names, err := src.ReadDirectory(path)
		if err != nil {
			return err
		}
		sort.Strings(names)
		t.token("directory")
		for _, name := range names {
			child := name
			if path != "" {
				child = path + "/" + name
			}
			if filter != nil && !filter(child) {
				continue
			}
			t.token("entry")
			t.token(name)
			if err := t.serialize(src, child, filter); err != nil {
				return err
			}
		}
		t.token("end")

	default:
		return fmt.Errorf("cannot serialize entry %q of unknown type", path)
	}

	return nil
}

// hashTree hashes the tree served by src, honoring the filter.
// Returns the sha256 digest and the total regular-file payload size.
func hashTree(src accessor.Accessor, filter PathFilter) (digest []byte, size int64, err error) {
	t := newTreeHasher()
	if err := t.serialize(src, "", filter); err != nil {
		return nil, 0, err
	}
	return t.sum(), t.size, nil
}

// storeDigest derives the digest that names a store path from the tree hash
// and the entry name.
func storeDigest(treeHash []byte, name string) string {
	h := sha256.New()
	h.Write(treeHash)
	io.WriteString(h, ":")
	io.WriteString(h, name)
	return EncodeBase32(h.Sum(nil))[:32]
}
