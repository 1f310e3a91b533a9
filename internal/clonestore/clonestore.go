// Package clonestore manages the on-disk tree of local bare clones the
// engine works against, one directory per mirror. It enforces an optional
// byte budget over the whole tree, pruning the least-recently-synced clones
// first with an mtime-sorted LRU eviction.
package clonestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store roots every LocalClone under a single directory keyed by mirror id.
type Store struct {
	root     string
	maxBytes int64 // 0 disables eviction
	log      *slog.Logger

	mu      sync.Mutex
	onEvict func(mirrorID string)
}

// New returns a Store rooted at root. maxBytes of 0 disables the disk-usage
// guard entirely.
func New(root string, maxBytes int64, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create clone root: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes, log: log}, nil
}

// OnEvict registers a callback invoked (synchronously) for every mirror
// whose clone directory gets pruned by MaybeEvict.
func (s *Store) OnEvict(fn func(mirrorID string)) {
	s.onEvict = fn
}

// Path returns the directory a mirror's bare clone lives in. It does not
// guarantee the directory exists.
func (s *Store) Path(mirrorID string) string {
	return filepath.Join(s.root, mirrorID)
}

// Touch records that mirrorID's clone was just synced, for LRU purposes.
// Because eviction sorts by directory mtime, touching means bumping that
// mtime — callers do this after a successful fetch/push.
func (s *Store) Touch(mirrorID string) error {
	dir := s.Path(mirrorID)
	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		return fmt.Errorf("touch clone dir: %w", err)
	}
	return nil
}

// Remove deletes a mirror's clone directory entirely, used on mirror
// deletion cascade and when SanityCheck finds it unrecoverably corrupt.
func (s *Store) Remove(mirrorID string) error {
	if err := os.RemoveAll(s.Path(mirrorID)); err != nil {
		return fmt.Errorf("remove clone dir: %w", err)
	}
	return nil
}

type cloneDirInfo struct {
	mirrorID string
	path     string
	size     int64
	mtime    time.Time
}

// MaybeEvict walks the clone root and removes the least-recently-touched
// clone directories until the tree is back under the byte budget. It is a
// no-op when maxBytes is 0.
func (s *Store) MaybeEvict() error {
	if s.maxBytes <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read clone root: %w", err)
	}

	var clones []cloneDirInfo
	var total int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		size, err := dirSize(path)
		if err != nil {
			s.log.Warn("clonestore: size walk failed", "path", path, "err", err)
			continue
		}
		clones = append(clones, cloneDirInfo{mirrorID: e.Name(), path: path, size: size, mtime: info.ModTime()})
		total += size
	}

	if total <= s.maxBytes {
		return nil
	}

	sort.Slice(clones, func(i, j int) bool { return clones[i].mtime.Before(clones[j].mtime) })

	for _, c := range clones {
		if total <= s.maxBytes {
			break
		}
		if err := os.RemoveAll(c.path); err != nil {
			s.log.Warn("clonestore: eviction failed", "path", c.path, "err", err)
			continue
		}
		total -= c.size
		s.log.Info("clonestore: evicted clone", "mirror_id", c.mirrorID, "bytes", c.size)
		if s.onEvict != nil {
			s.onEvict(c.mirrorID)
		}
	}
	return nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
