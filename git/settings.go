// Package git implements the Git input scheme: fetching an immutable
// snapshot of a commit's file tree into the store, backed by a TTL-bounded
// mirror cache of bare repositories and an external git executable.
package git

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Settings carries the configuration a Fetcher operates under. These are
// explicit inputs, not ambient globals; construct one per fetcher.
type Settings struct {
	// CacheRoot is the directory under which mirror repositories live
	// (at <CacheRoot>/nix/gitv4/<hash>).
	CacheRoot string

	// TarballTTL bounds how long a fetched ref and a resolved remote HEAD
	// are considered fresh before revalidation.
	TarballTTL time.Duration

	// MaxBuildJobs is forwarded to child git via --jobs. Values below one
	// are treated as one.
	MaxBuildJobs int

	// AllowDirty permits fetching from a dirty local working tree.
	AllowDirty bool

	// WarnDirty emits a warning when a dirty tree is fetched.
	WarnDirty bool

	// ForceHTTP treats file:// URLs as remote, forcing a clone into the
	// mirror cache. The _NIX_FORCE_HTTP=1 environment variable has the
	// same effect (for testing).
	ForceHTTP bool

	// Logger receives warnings and debug chatter. Nil means the standard
	// logger.
	Logger *logrus.Logger
}

// DefaultSettings returns settings with the conventional cache location and
// a one-hour TTL.
func DefaultSettings() *Settings {
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		cacheRoot = filepath.Join(os.TempDir(), "cache")
	}
	return &Settings{
		CacheRoot:    cacheRoot,
		TarballTTL:   time.Hour,
		MaxBuildJobs: 1,
		AllowDirty:   true,
		WarnDirty:    true,
	}
}

func (s *Settings) log() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *Settings) forceHTTP() bool {
	return s.ForceHTTP || os.Getenv("_NIX_FORCE_HTTP") == "1"
}

// numJobs returns the --jobs value for child git, at least one.
func (s *Settings) numJobs() string {
	if s.MaxBuildJobs < 1 {
		return "1"
	}
	return strconv.Itoa(s.MaxBuildJobs)
}
