package domaincache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-objectupload/internal"
	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	cacheDirName  = "go-objectupload"
	cacheFileName = "query-cache.json"
)

// DefaultStorePath is the cache file in the user's cache dir, or in the temp
// dir when there is none.
func DefaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, cacheDirName, cacheFileName)
}

// Store holds the resolved entries in memory and mirrors them to a single
// JSON file. One Store is meant to be shared by every resolver of a process.
type Store struct {
	path        string
	logger      log.Logger
	metrics     *metrics.Metrics
	fileManager fileutil.FileManager
	pathChecker pathutil.PathChecker
	osProxy     internal.OsProxy

	loadOnce sync.Once
	mu       sync.RWMutex
	entries  map[Key]Entry

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewStore creates a store persisted at path. An empty path keeps the store
// in memory only.
func NewStore(path string, logger log.Logger) *Store {
	return &Store{
		path:        path,
		logger:      logger,
		fileManager: fileutil.NewFileManager(),
		pathChecker: pathutil.NewPathChecker(),
		osProxy:     internal.RealOS{},
		entries:     map[Key]Entry{},
	}
}

// WithMetrics ...
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// Path ...
func (s *Store) Path() string {
	return s.path
}

// Get returns the entry of key. The cache file is loaded on the first call.
func (s *Store) Get(key Key) (Entry, bool) {
	s.loadOnce.Do(s.load)

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Set replaces the entry of key.
func (s *Store) Set(key Key, entry Entry) {
	s.loadOnce.Do(s.load)

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}

// Len ...
func (s *Store) Len() int {
	s.loadOnce.Do(s.load)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	exists, err := s.pathChecker.IsPathExists(s.path)
	if err != nil || !exists {
		return
	}

	file, err := s.fileManager.Open(s.path)
	if err != nil {
		s.logger.Debugf("Failed to open domain cache %s: %s", s.path, err)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			s.logger.Debugf("Failed to close domain cache %s: %s", s.path, err)
		}
	}()

	var entries map[Key]Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		s.logger.Warnf("Ignoring unreadable domain cache %s: %s", s.path, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range entries {
		if entry.Response.Validate() != nil {
			continue
		}
		s.entries[key] = entry
	}
	s.logger.Debugf("Loaded %d domain cache entries from %s", len(s.entries), s.path)
}

// Save writes every entry to the cache file. It returns false without writing
// when another save is in progress.
func (s *Store) Save() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	if !s.writeMu.TryLock() {
		return false, nil
	}
	defer s.writeMu.Unlock()

	s.mu.RLock()
	data, err := json.Marshal(s.entries)
	s.mu.RUnlock()
	if err != nil {
		return false, fmt.Errorf("marshal domain cache: %w", err)
	}

	if err := s.osProxy.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return false, fmt.Errorf("create cache dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := s.fileManager.WriteBytes(tmpPath, data); err != nil {
		return false, fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := s.osProxy.Rename(tmpPath, s.path); err != nil {
		_ = s.osProxy.Remove(tmpPath)
		return false, fmt.Errorf("replace %s: %w", s.path, err)
	}
	return true, nil
}

// SaveAsync saves in the background. Failures are logged.
func (s *Store) SaveAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		saved, err := s.Save()
		if err != nil {
			s.metrics.IncCachePersists(false)
			s.logger.Warnf("Failed to persist domain cache: %s", err)
			return
		}
		if saved {
			s.metrics.IncCachePersists(true)
		}
	}()
}

// Wait blocks until background saves finish.
func (s *Store) Wait() {
	s.wg.Wait()
}
