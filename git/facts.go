package git

import (
	"context"
	"strconv"
)

// Commit timestamps and revision counts are derived from immutable revisions,
// so once computed they are memoized in the fact cache under keys embedding
// the rev. The ref-keyed variants below bypass the cache; they serve the
// local working-tree paths where the answer can change between calls.

// lastModifiedForRef returns the commit time (seconds since epoch) of ref,
// or 0 when the repository has no commits.
func (f *Fetcher) lastModifiedForRef(ctx context.Context, repoInfo *RepoInfo, repoDir, ref string) (uint64, error) {
	if !repoInfo.HasHead {
		return 0, nil
	}

	out, err := f.runner.runChecked(ctx, runOptions{
		dir:    repoDir,
		gitDir: repoInfo.GitDir,
		args:   []string{"log", "-1", "--format=%ct", "--no-show-signature", ref},
	})
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(chomp(out), 10, 64)
}

// lastModified returns the commit time of rev, memoized.
func (f *Fetcher) lastModified(ctx context.Context, repoInfo *RepoInfo, repoDir, rev string) (uint64, error) {
	if !repoInfo.HasHead {
		return 0, nil
	}

	key := "git-" + rev + "-last-modified"

	if s, ok := f.cache.QueryFact(key); ok {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v, nil
		}
	}

	lastModified, err := f.lastModifiedForRef(ctx, repoInfo, repoDir, rev)
	if err != nil {
		return 0, err
	}

	if err := f.cache.UpsertFact(key, strconv.FormatUint(lastModified, 10)); err != nil {
		return 0, err
	}

	return lastModified, nil
}

// revCountForRef counts the commits reachable from ref, bypassing the cache.
func (f *Fetcher) revCountForRef(ctx context.Context, repoInfo *RepoInfo, repoDir, ref string) (uint64, error) {
	if !repoInfo.HasHead {
		return 0, nil
	}

	out, err := f.runner.runChecked(ctx, runOptions{
		dir:    repoDir,
		gitDir: repoInfo.GitDir,
		args:   []string{"rev-list", "--count", ref},
	})
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(chomp(out), 10, 64)
}

// revCount counts the commits reachable from rev, memoized.
func (f *Fetcher) revCount(ctx context.Context, repoInfo *RepoInfo, repoDir, rev string) (uint64, error) {
	if !repoInfo.HasHead {
		return 0, nil
	}

	key := "git-" + rev + "-revcount"

	if s, ok := f.cache.QueryFact(key); ok {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v, nil
		}
	}

	f.settings.log().Debugf("getting Git revision count of %q", repoInfo.URL)

	revCount, err := f.revCountForRef(ctx, repoInfo, repoDir, rev)
	if err != nil {
		return 0, err
	}

	if err := f.cache.UpsertFact(key, strconv.FormatUint(revCount, 10)); err != nil {
		return 0, err
	}

	return revCount, nil
}
