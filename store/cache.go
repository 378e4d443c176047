package store

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/rrbutani/nix/errors"
)

const cacheVersion = "1"

// Cache is the fetch result cache: a fact table for revision-derived scalars
// and a two-level table mapping attribute keys to snapshot metadata.
//
// The two levels share one table and differ only in their keys. An unlocked
// entry is keyed by mutable coordinates (url + ref) and records which rev
// they resolved to; a locked entry is keyed by content-identifying fields
// only (rev) and is valid forever. Callers look up by ref first (cheap, may
// go stale) and by rev second (pure, offline). The two key shapes never
// collide, so neither kind of entry shadows the other.
type Cache struct {
	fs   billy.Filesystem
	path string

	mu    sync.Mutex
	index *cacheIndex
}

// CacheResult is a hit in the two-level table.
type CacheResult struct {
	Value Attrs
	Path  StorePath
}

type cacheIndex struct {
	Version string                 `json:"version"`
	Facts   map[string]string      `json:"facts"`
	Entries map[string]*cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Key       Attrs     `json:"key"`
	Value     Attrs     `json:"value"`
	StorePath StorePath `json:"storePath"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewCache loads (or creates) the cache persisted at path.
func NewCache(fs billy.Filesystem, path string) (*Cache, error) {
	index, err := loadOrCreateCacheIndex(fs, path)
	if err != nil {
		return nil, err
	}
	return &Cache{fs: fs, path: path, index: index}, nil
}

func loadOrCreateCacheIndex(fs billy.Filesystem, path string) (*cacheIndex, error) {
	newIndex := func() *cacheIndex {
		return &cacheIndex{
			Version: cacheVersion,
			Facts:   make(map[string]string),
			Entries: make(map[string]*cacheEntry),
		}
	}

	if _, err := fs.Stat(path); os.IsNotExist(err) {
		return newIndex(), nil
	}

	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStore, "failed to read cache index")
	}

	var index cacheIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, errors.Wrap(err, errors.CodeStore, "failed to parse cache index")
	}

	if index.Version != cacheVersion {
		return nil, errors.Newf(errors.CodeStore, "unsupported cache index version: %s (expected %s)", index.Version, cacheVersion)
	}

	if index.Facts == nil {
		index.Facts = make(map[string]string)
	}
	if index.Entries == nil {
		index.Entries = make(map[string]*cacheEntry)
	}

	return &index, nil
}

// save writes the index to disk atomically (write-to-temp + rename).
// Callers must hold c.mu.
func (c *Cache) save() error {
	data, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeStore, "failed to marshal cache index")
	}

	tmpPath := c.path + ".tmp"
	f, err := c.fs.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, errors.CodeStore, "failed to create temporary cache index")
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = c.fs.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeStore, "failed to write temporary cache index")
	}

	if err := f.Close(); err != nil {
		_ = c.fs.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeStore, "failed to close temporary cache index")
	}

	if err := c.fs.Rename(tmpPath, c.path); err != nil {
		_ = c.fs.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeStore, "failed to rename cache index")
	}

	return nil
}

// QueryFact returns the recorded value for a fact key.
func (c *Cache) QueryFact(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.index.Facts[key]
	return v, ok
}

// UpsertFact records a fact. Facts are write-once in practice (their keys
// embed an immutable revision), so overwriting is harmless.
func (c *Cache) UpsertFact(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.Facts[key] = value
	return c.save()
}

// Lookup finds an entry by its key attributes. When the entry references a
// store path, the hit is only returned if that path is still valid in store.
func (c *Cache) Lookup(s Store, key Attrs) (*CacheResult, bool) {
	c.mu.Lock()
	entry, ok := c.index.Entries[key.CanonicalKey()]
	c.mu.Unlock()

	if !ok {
		return nil, false
	}

	if entry.StorePath != "" && s != nil {
		if _, err := s.QueryPathInfo(entry.StorePath); err != nil {
			return nil, false
		}
	}

	return &CacheResult{Value: entry.Value.Clone(), Path: entry.StorePath}, true
}

// Add records an entry under the given key attributes.
func (c *Cache) Add(key, value Attrs, path StorePath, locked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.Entries[key.CanonicalKey()] = &cacheEntry{
		Key:       key.Clone(),
		Value:     value.Clone(),
		StorePath: path,
		Locked:    locked,
		CreatedAt: time.Now().UTC(),
	}
	return c.save()
}
