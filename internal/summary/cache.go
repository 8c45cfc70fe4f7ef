package summary

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cache stores rendered PDFs on disk, keyed by a content hash.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Key derives the cache key for one rendered artifact. Any change to the
// questionnaire, its configuration edition, the summary type or the
// language produces a new key, so stale entries are simply orphaned.
func (c *Cache) Key(questionnaireID int64, updatedAt time.Time, edition, summaryType, lang string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%s", questionnaireID, updatedAt.UnixNano(), edition, summaryType, lang)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".pdf")
}

// Get returns the cached PDF or nil on a miss.
func (c *Cache) Get(key string) []byte {
	if c == nil || c.dir == "" {
		return nil
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil
	}
	return data
}

// Put writes the PDF to the cache. Failures are returned but callers may
// treat them as non-fatal since the artifact was already rendered.
func (c *Cache) Put(key string, data []byte) error {
	if c == nil || c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Prune removes cache entries older than maxAge and returns how many were
// deleted.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	if c == nil || c.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pdf" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
