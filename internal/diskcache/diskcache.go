// Package diskcache is the persistent on-disk store of synthesized audio,
// keyed by the same identity hash the runtime cache uses.
package diskcache

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/zstd"
)

const (
	indexFilename = "clips.index"
	cacheFileExt  = ".clip"
	// streamChunkSize is the unit a Stream call hands to its callback.
	streamChunkSize = 32 * 1024
	// compressMinSize skips compression for payloads too small to gain.
	compressMinSize = 1024
)

var (
	// ErrNotFound is returned when no persisted copy of a key exists.
	ErrNotFound = errors.New("clip not found in disk cache")
	// ErrItemTooLarge is returned when a payload alone exceeds the quota.
	ErrItemTooLarge = errors.New("clip exceeds disk cache capacity")
)

// Stats holds disk store counters.
type Stats struct {
	Capacity  int64
	Size      int64
	ItemCount int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// Store is a byte-quota-bounded disk cache with optional zstd compression
// and an on-disk index that survives restarts. A filesystem watcher drops
// index entries whose backing files are removed by something else.
type Store struct {
	basePath string
	capacity int64
	size     int64

	compressionLevel int
	encoder          *zstd.Encoder
	decoder          *zstd.Decoder

	index map[string]*entry

	watcher   *fsnotify.Watcher
	watcherWg sync.WaitGroup

	mu     sync.Mutex
	stats  Stats
	closed bool
}

type entry struct {
	Key          string
	FilePath     string
	Size         int64 // size on disk, possibly compressed
	OriginalSize int64
	Timestamp    time.Time
	LastAccess   time.Time
	Compressed   bool
}

// New opens (or creates) a store rooted at basePath, bounded to capacity
// bytes on disk. compressionLevel is a zstd level; 0 disables compression.
func New(basePath string, capacity int64, compressionLevel int) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{
		basePath:         basePath,
		capacity:         capacity,
		compressionLevel: compressionLevel,
		index:            make(map[string]*entry),
		stats:            Stats{Capacity: capacity},
	}

	if compressionLevel > 0 {
		var err error
		s.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	if err := s.loadIndex(); err != nil {
		log.Warn("Disk cache index unreadable, starting empty", "error", err)
		s.index = make(map[string]*entry)
	}
	s.dropMissing()
	s.recalculate()

	if err := s.startWatcher(); err != nil {
		// The store works without the watcher; stale index entries are
		// also detected lazily on read.
		log.Warn("Disk cache watcher unavailable", "error", err)
	}

	return s, nil
}

// Path returns the canonical file path for a key, whether or not the key
// is currently cached.
func (s *Store) Path(key string) string {
	return filepath.Join(s.basePath, key+cacheFileExt)
}

// TempPath returns a scratch path inside the cache directory for staging
// a download before Import.
func (s *Store) TempPath(key string) string {
	return filepath.Join(s.basePath, key+".download")
}

// Contains reports whether a persisted copy of key exists.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// Get reads the full decoded payload for key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _, ok := s.readLocked(key)
	return data, ok
}

// Stream reads the payload for key and delivers it in chunks, reporting
// the decoded total so callers can track monotonic progress. It returns
// the number of bytes delivered.
func (s *Store) Stream(ctx context.Context, key string, onChunk func(p []byte, total int64) error) (int64, error) {
	s.mu.Lock()
	data, ent, ok := s.readLocked(key)
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}

	total := int64(len(data))
	var delivered int64
	for off := 0; off < len(data); off += streamChunkSize {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		end := off + streamChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := onChunk(data[off:end], total); err != nil {
			return delivered, err
		}
		delivered = int64(end)
	}

	log.Debug("Streamed clip from disk cache", "key", ent.Key, "bytes", total)
	return delivered, nil
}

// Put persists data under key and returns the canonical path. Existing
// entries are replaced; the store evicts least recently used entries to
// respect its quota.
func (s *Store) Put(key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	originalSize := int64(len(data))
	payload := data
	compressed := false
	if s.encoder != nil && originalSize > compressMinSize {
		candidate := s.encoder.EncodeAll(data, nil)
		if len(candidate) < len(data) {
			payload = candidate
			compressed = true
		}
	}

	diskSize := int64(len(payload))
	if s.capacity > 0 && diskSize > s.capacity {
		return "", fmt.Errorf("%w: %d bytes", ErrItemTooLarge, diskSize)
	}

	if existing, ok := s.index[key]; ok {
		s.size -= existing.Size
		os.Remove(existing.FilePath) //nolint:errcheck
		delete(s.index, key)
	}

	for s.capacity > 0 && s.size+diskSize > s.capacity && len(s.index) > 0 {
		s.evictOldestLocked()
	}

	path := s.Path(key)
	if err := writeFileAtomic(path, payload); err != nil {
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	s.index[key] = &entry{
		Key:          key,
		FilePath:     path,
		Size:         diskSize,
		OriginalSize: originalSize,
		Timestamp:    now,
		LastAccess:   now,
		Compressed:   compressed,
	}
	s.size += diskSize
	s.stats.Size = s.size
	s.stats.ItemCount = int64(len(s.index))

	return path, nil
}

// Import moves a staged file at srcPath into the cache under key and
// returns the canonical path. The staged file is consumed.
func (s *Store) Import(key, srcPath string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to read staged download: %w", err)
	}
	path, err := s.Put(key, data)
	if err != nil {
		return "", err
	}
	os.Remove(srcPath) //nolint:errcheck
	return path, nil
}

// Delete removes the entry for key, if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.index[key]
	if !ok {
		return
	}
	os.Remove(ent.FilePath) //nolint:errcheck
	s.size -= ent.Size
	delete(s.index, key)
	s.stats.Size = s.size
	s.stats.ItemCount = int64(len(s.index))
}

// RemoveOlderThan purges entries persisted before cutoff and returns how
// many were removed.
func (s *Store) RemoveOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ent := range s.index {
		if ent.Timestamp.Before(cutoff) {
			os.Remove(ent.FilePath) //nolint:errcheck
			s.size -= ent.Size
			delete(s.index, key)
			removed++
		}
	}
	s.stats.Size = s.size
	s.stats.ItemCount = int64(len(s.index))
	return removed
}

// Size returns the bytes currently on disk.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Size = s.size
	stats.ItemCount = int64(len(s.index))
	return stats
}

// Close persists the index and stops the watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher := s.watcher
	s.watcher = nil
	err := s.saveIndexLocked()
	s.mu.Unlock()

	if watcher != nil {
		watcher.Close() //nolint:errcheck
		s.watcherWg.Wait()
	}
	return err
}

// readLocked loads and decodes the payload for key, dropping the entry if
// its file has gone missing or corrupt. Caller holds the mutex.
func (s *Store) readLocked(key string) ([]byte, *entry, bool) {
	ent, ok := s.index[key]
	if !ok {
		s.stats.Misses++
		return nil, nil, false
	}

	data, err := os.ReadFile(ent.FilePath)
	if err != nil {
		s.dropLocked(ent)
		s.stats.Misses++
		return nil, nil, false
	}

	if ent.Compressed && s.decoder != nil {
		decoded, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			log.Warn("Corrupt cache file dropped", "key", key, "error", err)
			os.Remove(ent.FilePath) //nolint:errcheck
			s.dropLocked(ent)
			s.stats.Misses++
			return nil, nil, false
		}
		data = decoded
	}

	ent.LastAccess = time.Now()
	s.stats.Hits++
	return data, ent, true
}

func (s *Store) dropLocked(ent *entry) {
	delete(s.index, ent.Key)
	s.size -= ent.Size
	s.stats.Size = s.size
	s.stats.ItemCount = int64(len(s.index))
}

func (s *Store) evictOldestLocked() {
	var oldest *entry
	for _, ent := range s.index {
		if oldest == nil || ent.LastAccess.Before(oldest.LastAccess) {
			oldest = ent
		}
	}
	if oldest != nil {
		os.Remove(oldest.FilePath) //nolint:errcheck
		s.dropLocked(oldest)
		s.stats.Evictions++
	}
}

// dropMissing removes index entries whose files no longer exist.
func (s *Store) dropMissing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.index {
		if _, err := os.Stat(ent.FilePath); err != nil {
			s.dropLocked(ent)
		}
	}
}

// handleRemovedFile reconciles the index after an external deletion.
// Rewriting a key removes its old file, and that event can arrive after
// the replacement is indexed; the entry is only dropped when its file is
// really gone.
func (s *Store) handleRemovedFile(path string) {
	key := indexKeyForPath(path)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.index[key]
	if !ok {
		return
	}
	if _, err := os.Stat(ent.FilePath); err == nil {
		return
	}
	log.Debug("Cache file removed externally", "key", key)
	s.dropLocked(ent)
}

func (s *Store) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.basePath); err != nil {
		watcher.Close() //nolint:errcheck
		return err
	}
	s.watcher = watcher

	s.watcherWg.Add(1)
	go func() {
		defer s.watcherWg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					s.handleRemovedFile(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Disk cache watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) loadIndex() error {
	file, err := os.Open(filepath.Join(s.basePath, indexFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close() //nolint:errcheck

	return gob.NewDecoder(file).Decode(&s.index)
}

func (s *Store) saveIndexLocked() error {
	indexPath := filepath.Join(s.basePath, indexFilename)
	tempPath := indexPath + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	encErr := gob.NewEncoder(file).Encode(s.index)
	closeErr := file.Close()
	if encErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return encErr
	}
	if closeErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return closeErr
	}
	return os.Rename(tempPath, indexPath)
}

func (s *Store) recalculate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = 0
	for _, ent := range s.index {
		s.size += ent.Size
	}
	s.stats.Size = s.size
	s.stats.ItemCount = int64(len(s.index))
}

// writeFileAtomic writes data to a temp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	_, writeErr := file.Write(data)
	closeErr := file.Close()
	if writeErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return writeErr
	}
	if closeErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return closeErr
	}
	return os.Rename(tempPath, path)
}

// indexKeyForPath recovers a cache key from a file path, empty if the
// path is not a cache payload file.
func indexKeyForPath(path string) string {
	base := filepath.Base(path)
	if filepath.Ext(base) != cacheFileExt {
		return ""
	}
	return base[:len(base)-len(cacheFileExt)]
}
