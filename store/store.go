// Package store provides the content-addressed store and fetch caches that
// back the source fetchers: immutable snapshot directories named by the hash
// of their contents, a two-level (unlocked/locked) fetch result cache, and a
// small fact cache for revision-derived scalars.
package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/rrbutani/nix/accessor"
	"github.com/rrbutani/nix/errors"
)

// StorePath names an immutable directory in the store.
type StorePath string

// PathInfo describes a store path.
type PathInfo struct {
	Path    StorePath `json:"path"`
	NarHash string    `json:"narHash"` // SRI sha256 of the tree serialization
	NarSize int64     `json:"narSize"`
}

// Store is the capability the fetchers use: content-addressed insertion of
// file trees and metadata queries over the result.
type Store interface {
	// AddToStore copies the tree served by src into the store, named by the
	// sha256 of its recursive serialization. Entries rejected by the filter
	// are skipped. Inserting the same tree twice yields the same path.
	AddToStore(name string, src accessor.Accessor, filter PathFilter) (StorePath, error)

	// QueryPathInfo returns the metadata recorded for a store path.
	QueryPathInfo(path StorePath) (*PathInfo, error)

	// Accessor returns a read-only view over a store path's tree.
	Accessor(path StorePath) (accessor.Accessor, error)
}

// Local is a Store backed by a directory on a billy filesystem.
//
// Layout: each snapshot lives at <root>/<digest>-<name>/ with its metadata in
// a sibling <digest>-<name>.info JSON file.
type Local struct {
	fs   billy.Filesystem
	root string

	mu    sync.Mutex
	infos map[StorePath]*PathInfo
}

var _ Store = (*Local)(nil)

// NewLocal creates (or reopens) a local store rooted at root.
func NewLocal(fs billy.Filesystem, root string) (*Local, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStore, "failed to create store root %q", root)
	}
	return &Local{
		fs:    fs,
		root:  root,
		infos: make(map[StorePath]*PathInfo),
	}, nil
}

// AddToStore implements Store.
func (s *Local) AddToStore(name string, src accessor.Accessor, filter PathFilter) (StorePath, error) {
	treeHash, size, err := hashTree(src, filter)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStore, "failed to hash tree")
	}

	path := StorePath(s.root + "/" + storeDigest(treeHash, name) + "-" + name)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent: a store path that exists already holds this exact tree.
	if _, err := s.fs.Stat(string(path)); err == nil {
		if s.infos[path] == nil {
			if info, err := s.readInfo(path); err == nil {
				s.infos[path] = info
			}
		}
		return path, nil
	}

	if err := s.materialize(src, "", string(path), filter); err != nil {
		_ = util.RemoveAll(s.fs, string(path))
		return "", errors.Wrapf(err, errors.CodeStore, "failed to materialize %q", path)
	}

	info := &PathInfo{
		Path:    path,
		NarHash: SRIHash(treeHash),
		NarSize: size,
	}
	if err := s.writeInfo(info); err != nil {
		return "", err
	}
	s.infos[path] = info

	return path, nil
}

// materialize copies the tree under srcPath into destPath.
func (s *Local) materialize(src accessor.Accessor, srcPath, destPath string, filter PathFilter) error {
	st, err := src.Lstat(srcPath)
	if err != nil {
		return err
	}

	switch st.Type {
	case accessor.TypeRegular:
		data, err := src.ReadFile(srcPath)
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if st.IsExecutable {
			mode = 0o755
		}
		return util.WriteFile(s.fs, destPath, data, mode)

	case accessor.TypeSymlink:
		target, err := src.ReadLink(srcPath)
		if err != nil {
			return err
		}
		return s.fs.Symlink(target, destPath)

	case accessor.TypeDirectory:
		if err := s.fs.MkdirAll(destPath, 0o755); err != nil {
			return err
		}
		names, err := src.ReadDirectory(srcPath)
		if err != nil {
			return err
		}
		for _, name := range names {
			child := name
			if srcPath != "" {
				child = srcPath + "/" + name
			}
			if filter != nil && !filter(child) {
				continue
			}
			if err := s.materialize(src, child, destPath+"/"+name, filter); err != nil {
				return err
			}
		}
		return nil

	default:
		return errors.Newf(errors.CodeStore, "cannot materialize entry %q of unknown type", srcPath)
	}
}

// QueryPathInfo implements Store.
func (s *Local) QueryPathInfo(path StorePath) (*PathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.infos[path]; ok {
		return info, nil
	}

	info, err := s.readInfo(path)
	if err != nil {
		return nil, err
	}
	s.infos[path] = info
	return info, nil
}

// Accessor implements Store.
func (s *Local) Accessor(path StorePath) (accessor.Accessor, error) {
	if _, err := s.fs.Stat(string(path)); err != nil {
		return nil, errors.Newf(errors.CodeNotFound, "store path %q does not exist", path)
	}
	return accessor.NewFS(s.fs, string(path)), nil
}

func (s *Local) infoPath(path StorePath) string {
	return string(path) + ".info"
}

func (s *Local) readInfo(path StorePath) (*PathInfo, error) {
	data, err := util.ReadFile(s.fs, s.infoPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeNotFound, "store path %q is not valid", path)
		}
		return nil, errors.Wrapf(err, errors.CodeStore, "failed to read info for %q", path)
	}

	var info PathInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStore, "failed to parse info for %q", path)
	}
	return &info, nil
}

func (s *Local) writeInfo(info *PathInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeStore, "failed to marshal path info")
	}
	if err := util.WriteFile(s.fs, s.infoPath(info.Path), data, 0o644); err != nil {
		return errors.Wrapf(err, errors.CodeStore, "failed to write info for %q", info.Path)
	}
	return nil
}
