// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/lenswatch/internal/cache"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/metrics"
)

// indexKeyPrefix namespaces per-device media indexes in badger.
const indexKeyPrefix = "media:"

// DiskStoreConfig holds durable-store tunables.
type DiskStoreConfig struct {
	// MediaDir is where media artifacts are written as discrete files.
	MediaDir string

	// SaveDelay debounces index persistence: the index is written at most
	// once per window, plus once on clean shutdown.
	SaveDelay time.Duration

	// FileLRUSize bounds the read-through cache of file contents, limiting
	// file-handle churn for repeatedly browsed clips.
	FileLRUSize int

	// Workers bounds concurrent file I/O.
	Workers int
}

// DefaultDiskStoreConfig returns production defaults.
func DefaultDiskStoreConfig() DiskStoreConfig {
	return DiskStoreConfig{
		SaveDelay:   120 * time.Second,
		FileLRUSize: 16,
		Workers:     4,
	}
}

// deviceIndex is the JSON value persisted per device: an ordered map of
// media key to record (goccy/go-json marshals map keys sorted, matching the
// on-disk layout contract).
type deviceIndex struct {
	Records map[string]*Record `json:"records"`
}

// DiskStore is the durable half of the event media cache: a badger-backed
// index of media records plus the artifact files themselves.
//
// Index mutations are buffered in memory and flushed on a debounce timer;
// file reads and writes run through a bounded semaphore so that disk I/O
// never saturates the process.
type DiskStore struct {
	cfg DiskStoreConfig
	db  *badger.DB

	mu         sync.Mutex
	index      map[string]*deviceIndex // deviceID -> records
	dirty      map[string]struct{}     // deviceIDs pending persistence
	flushTimer *time.Timer
	closed     bool

	fileLRU *cache.BlobLRU
	ioSem   chan struct{}
	now     func() time.Time
}

// OpenDiskStore loads the media index from badger and prepares the media
// directory. A missing or corrupt index value starts that device empty; the
// store never refuses to open over bad persisted state.
func OpenDiskStore(db *badger.DB, cfg DiskStoreConfig) (*DiskStore, error) {
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = 120 * time.Second
	}
	if cfg.FileLRUSize <= 0 {
		cfg.FileLRUSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	s := &DiskStore{
		cfg:     cfg,
		db:      db,
		index:   make(map[string]*deviceIndex),
		dirty:   make(map[string]struct{}),
		fileLRU: cache.NewBlobLRU(cfg.FileLRUSize, nil),
		ioSem:   make(chan struct{}, cfg.Workers),
		now:     time.Now,
	}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(indexKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			deviceID := string(item.Key()[len(indexKeyPrefix):])
			err := item.Value(func(val []byte) error {
				var idx deviceIndex
				if err := json.Unmarshal(val, &idx); err != nil {
					logging.Warn().Err(err).Str("device", deviceID).Msg("corrupt media index, starting empty")
					return nil
				}
				if idx.Records == nil {
					idx.Records = make(map[string]*Record)
				}
				s.index[deviceID] = &idx
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load media index: %w", err)
	}
	return s, nil
}

// SetNowFunc overrides the clock source. Test hook.
func (s *DiskStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Register adds a record to the device's index. Registering an existing key
// is a no-op, so replays after restart do not reset fetch state.
func (s *DiskStore) Register(record *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, exists := s.index[record.DeviceID]
	if !exists {
		idx = &deviceIndex{Records: make(map[string]*Record)}
		s.index[record.DeviceID] = idx
	}
	if _, exists := idx.Records[record.MediaKey]; exists {
		return
	}
	clone := *record
	idx.Records[record.MediaKey] = &clone
	s.markDirtyLocked(record.DeviceID)
}

// Lookup returns a copy of the record for (device, key).
func (s *DiskStore) Lookup(deviceID, mediaKey string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, exists := s.index[deviceID]
	if !exists {
		return Record{}, false
	}
	record, exists := idx.Records[mediaKey]
	if !exists {
		return Record{}, false
	}
	return *record, true
}

// Records returns the device's records sorted newest first.
func (s *DiskStore) Records(deviceID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, exists := s.index[deviceID]
	if !exists {
		return nil
	}
	records := make([]Record, 0, len(idx.Records))
	for _, record := range idx.Records {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records
}

// WriteMedia persists an artifact and marks its record fetched. The write
// runs through the I/O semaphore; a failure is returned as a StorageError
// that callers may treat as best-effort.
func (s *DiskStore) WriteMedia(deviceID, mediaKey string, content *Content) error {
	s.mu.Lock()
	idx, exists := s.index[deviceID]
	if !exists {
		s.mu.Unlock()
		return &StorageError{Op: "write", Path: mediaKey, Err: errors.New("no index entry")}
	}
	record, exists := idx.Records[mediaKey]
	if !exists {
		s.mu.Unlock()
		return &StorageError{Op: "write", Path: mediaKey, Err: errors.New("no index entry")}
	}
	filename := Filename(mediaKey, content.ContentType)
	path := filepath.Join(s.cfg.MediaDir, filename)
	s.mu.Unlock()

	s.ioSem <- struct{}{}
	err := os.WriteFile(path, content.Data, 0o640)
	<-s.ioSem

	if err != nil {
		metrics.MediaStoreErrors.WithLabelValues("write").Inc()
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	s.mu.Lock()
	record.Filename = filename
	record.ContentType = content.ContentType
	record.SizeBytes = len(content.Data)
	record.Fetched = true
	s.markDirtyLocked(deviceID)
	s.mu.Unlock()
	return nil
}

// ReadMedia returns the artifact for a fetched record, via the read-through
// file LRU.
func (s *DiskStore) ReadMedia(deviceID, mediaKey string) (*Content, error) {
	record, exists := s.Lookup(deviceID, mediaKey)
	if !exists || !record.Fetched {
		return nil, &StorageError{Op: "read", Path: mediaKey, Err: os.ErrNotExist}
	}

	if data, hit := s.fileLRU.Get(record.Filename); hit {
		return &Content{Data: data, ContentType: record.ContentType}, nil
	}

	path := filepath.Join(s.cfg.MediaDir, record.Filename)
	s.ioSem <- struct{}{}
	data, err := os.ReadFile(path)
	<-s.ioSem

	if err != nil {
		metrics.MediaStoreErrors.WithLabelValues("read").Inc()
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	s.fileLRU.Add(record.Filename, data)
	return &Content{Data: data, ContentType: record.ContentType}, nil
}

// RemoveDevice drops the device's index entry and artifacts. Used on device
// unload.
func (s *DiskStore) RemoveDevice(deviceID string) {
	s.mu.Lock()
	idx, exists := s.index[deviceID]
	if !exists {
		s.mu.Unlock()
		return
	}
	filenames := make([]string, 0, len(idx.Records))
	for _, record := range idx.Records {
		if record.Filename != "" {
			filenames = append(filenames, record.Filename)
		}
	}
	delete(s.index, deviceID)
	delete(s.dirty, deviceID)
	s.mu.Unlock()

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(indexKeyPrefix + deviceID))
	}); err != nil {
		logging.Warn().Err(err).Str("device", deviceID).Msg("failed to delete media index entry")
	}
	for _, filename := range filenames {
		s.removeFile(filename)
	}
}

// Sweep removes records older than cutoff, deleting their artifacts and
// index rows. This is the retention path; in-memory cache eviction never
// reaches disk. Returns the number of records retired.
func (s *DiskStore) Sweep(cutoff time.Time) int {
	type victim struct {
		deviceID string
		mediaKey string
		filename string
	}

	s.mu.Lock()
	var victims []victim
	for deviceID, idx := range s.index {
		for key, record := range idx.Records {
			if record.Timestamp.Before(cutoff) {
				victims = append(victims, victim{deviceID, key, record.Filename})
			}
		}
	}
	for _, v := range victims {
		delete(s.index[v.deviceID].Records, v.mediaKey)
		s.markDirtyLocked(v.deviceID)
	}
	s.mu.Unlock()

	for _, v := range victims {
		if v.filename != "" {
			s.removeFile(v.filename)
		}
	}
	if len(victims) > 0 {
		metrics.MediaRecordsRetired.Add(float64(len(victims)))
		logging.Info().Int("records", len(victims)).Msg("media retention sweep completed")
	}
	return len(victims)
}

// removeFile deletes an artifact, logging and skipping on failure so a
// stuck file never wedges the sweep.
func (s *DiskStore) removeFile(filename string) {
	s.fileLRU.Remove(filename)
	path := filepath.Join(s.cfg.MediaDir, filename)

	s.ioSem <- struct{}{}
	err := os.Remove(path)
	<-s.ioSem

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		metrics.MediaStoreErrors.WithLabelValues("remove").Inc()
		logging.Warn().Err(err).Str("file", filename).Msg("failed to remove media file")
	}
}

// markDirtyLocked queues the device for persistence and arms the debounce
// timer if not already pending. Caller holds s.mu.
func (s *DiskStore) markDirtyLocked(deviceID string) {
	s.dirty[deviceID] = struct{}{}
	if s.flushTimer == nil && !s.closed {
		s.flushTimer = time.AfterFunc(s.cfg.SaveDelay, func() {
			if err := s.Flush(); err != nil {
				logging.Warn().Err(err).Msg("debounced media index flush failed")
			}
		})
	}
}

// Flush persists all dirty device indexes immediately. Called by the
// debounce timer and on clean shutdown.
func (s *DiskStore) Flush() error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	pending := make(map[string][]byte, len(s.dirty))
	for deviceID := range s.dirty {
		idx, exists := s.index[deviceID]
		if !exists {
			continue
		}
		data, err := json.Marshal(idx)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("marshal media index for %s: %w", deviceID, err)
		}
		pending[deviceID] = data
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for deviceID, data := range pending {
			if err := txn.Set([]byte(indexKeyPrefix+deviceID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Keep the devices dirty so the next flush retries them.
		s.mu.Lock()
		for deviceID := range pending {
			s.dirty[deviceID] = struct{}{}
		}
		s.mu.Unlock()
		metrics.MediaStoreErrors.WithLabelValues("flush").Inc()
		return &StorageError{Op: "flush", Path: "index", Err: err}
	}
	return nil
}

// Close flushes pending index state and stops the debounce timer.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}
