// Package cache provides the on-disk granule cache.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds cache limits.
type Config struct {
	// Dir is the cache root. Created if missing.
	Dir string

	// MaxBytes is the total size budget (default: 5 GiB).
	MaxBytes int64

	// MaxAge removes files older than this on cleanup (default: 24h).
	MaxAge time.Duration
}

// CachedFile describes one file in the cache.
type CachedFile struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Store is a flat directory of downloaded files with age and size eviction.
type Store struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	// guards cleanup within this process only
	mu sync.Mutex
}

// New ensures the cache directory exists and returns a Store.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache dir is required")
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 30
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &Store{
		dir:      cfg.Dir,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		logger:   logger.With().Str("component", "cache").Logger(),
		now:      time.Now,
	}, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the size budget.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Path returns the cache location for a file name. Any directory part of
// name is dropped so that every file lives directly under the root.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Exists reports whether a non-empty file with this name is cached.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Lookup returns the path of a cached file that is at least minSize bytes
// and not yet expired, and marks it as recently used so that a following
// cleanup keeps it. Anything else is a miss.
func (s *Store) Lookup(name string, minSize int64) (string, bool) {
	path := s.Path(name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() <= 0 || info.Size() < minSize {
		return "", false
	}
	now := s.now()
	if info.ModTime().Before(now.Add(-s.maxAge)) {
		return "", false
	}
	if err := os.Chtimes(path, now, now); err != nil {
		s.logger.Debug().Err(err).Str("path", path).Msg("cache touch failed")
	}
	return path, true
}

// Files lists regular files in the cache, oldest first.
func (s *Store) Files() ([]CachedFile, error) {
	var files []CachedFile
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// a sibling cleanup may have removed it
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, CachedFile{Path: path, ModTime: info.ModTime(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// Usage returns the number of files and total bytes in the cache.
func (s *Store) Usage() (int, int64) {
	files, err := s.Files()
	if err != nil {
		return 0, 0
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return len(files), total
}

// Cleanup removes expired files, then the oldest files until the cache is
// within its size budget. It never fails; problems are logged.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.Files()
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache scan failed")
		return
	}

	cutoff := s.now().Add(-s.maxAge)
	var (
		kept        []CachedFile
		total       int64
		removedAge  int
		removedSize int
	)
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			if s.remove(f) {
				removedAge++
				continue
			}
		}
		kept = append(kept, f)
		total += f.Size
	}

	for i := 0; total > s.maxBytes && i < len(kept); i++ {
		if s.remove(kept[i]) {
			removedSize++
			total -= kept[i].Size
		}
	}

	if removedAge > 0 || removedSize > 0 {
		s.logger.Info().
			Int("expired", removedAge).
			Int("evicted", removedSize).
			Int64("bytes", total).
			Msg("cache cleanup")
	}
}

func (s *Store) remove(f CachedFile) bool {
	if err := os.Remove(f.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		s.logger.Warn().Err(err).Str("path", f.Path).Msg("cache remove failed")
		return false
	}
	return true
}
