package tts

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	// defaultMemEntries bounds the in-memory LRU tier.
	defaultMemEntries = 200
	// defaultDiskEntries bounds the per-engine on-disk tier.
	defaultDiskEntries = 500
)

// Normalize canonicalizes text for cache keying: trim, lowercase, collapse
// whitespace runs. Normalize is idempotent.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key derives the cache key for (engine, text). The engine prefix makes
// cross-engine collisions impossible by construction.
func Key(engine, text string) string {
	sum := sha256.Sum256([]byte(engine + ":" + Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Cache is the two-tier audio cache: an in-memory LRU mirrored on a file tree
// <root>/<engine>/<sha256>.wav. Disk hits promote into memory; writes go to
// memory synchronously and to disk fire-and-forget.
type Cache struct {
	root    string
	maxMem  int
	maxDisk int
	logger  *slog.Logger

	mu      sync.Mutex
	order   *list.List               // front = most recently used
	entries map[string]*list.Element // key → element; value is *memEntry
}

type memEntry struct {
	key   string
	audio []byte
}

// NewCache creates the cache rooted at dir. maxDisk ≤ 0 selects the default.
func NewCache(dir string, maxDisk int, logger *slog.Logger) (*Cache, error) {
	if maxDisk <= 0 {
		maxDisk = defaultDiskEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tts cache dir: %w", err)
	}
	return &Cache{
		root:    dir,
		maxMem:  defaultMemEntries,
		maxDisk: maxDisk,
		logger:  logger.With("component", "tts-cache"),
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}, nil
}

func (c *Cache) path(engine, key string) string {
	return filepath.Join(c.root, engine, key+".wav")
}

// Get looks up audio for (engine, text): memory first, then disk. A disk hit
// is promoted into memory. A nil cache always misses.
func (c *Cache) Get(engine, text string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	key := Key(engine, text)

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		audio := elem.Value.(*memEntry).audio
		c.mu.Unlock()
		return audio, true
	}
	c.mu.Unlock()

	audio, err := os.ReadFile(c.path(engine, key))
	if err != nil {
		return nil, false
	}
	c.putMem(key, audio)
	return audio, true
}

// Put stores audio under (engine, text) in both tiers. The disk write-back is
// asynchronous; eviction runs after each write. A nil cache drops the write.
func (c *Cache) Put(engine, text string, audio []byte) {
	if c == nil {
		return
	}
	key := Key(engine, text)
	c.putMem(key, audio)

	go func() {
		dir := filepath.Join(c.root, engine)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.logger.Warn("cache write-back failed", "engine", engine, "error", err)
			return
		}
		tmp := c.path(engine, key) + ".tmp"
		if err := os.WriteFile(tmp, audio, 0o644); err != nil {
			c.logger.Warn("cache write-back failed", "engine", engine, "error", err)
			return
		}
		if err := os.Rename(tmp, c.path(engine, key)); err != nil {
			c.logger.Warn("cache write-back failed", "engine", engine, "error", err)
			return
		}
		c.evictDisk(engine)
	}()
}

func (c *Cache) putMem(key string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*memEntry).audio = audio
		return
	}
	c.entries[key] = c.order.PushFront(&memEntry{key: key, audio: audio})
	for len(c.entries) > c.maxMem {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).key)
	}
}

// evictDisk removes the oldest files (by mtime) beyond the per-engine limit.
func (c *Cache) evictDisk(engine string) {
	dir := filepath.Join(c.root, engine)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type fileAge struct {
		name  string
		mtime int64
	}
	files := make([]fileAge, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".wav") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{name: de.Name(), mtime: info.ModTime().UnixNano()})
	}
	if len(files) <= c.maxDisk {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })
	for _, f := range files[:len(files)-c.maxDisk] {
		if err := os.Remove(filepath.Join(dir, f.name)); err == nil {
			c.logger.Debug("evicted cached audio", "engine", engine, "file", f.name)
		}
	}
}

// MemLen reports the in-memory entry count.
func (c *Cache) MemLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
