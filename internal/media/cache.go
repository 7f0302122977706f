// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package media

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/lenswatch/internal/cache"
	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/events"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/metrics"
)

// ErrUnknownMedia is returned for keys that were never registered. Maps to
// a 404 at the API surface.
var ErrUnknownMedia = errors.New("unknown media key")

// CacheConfig holds media cache tunables.
type CacheConfig struct {
	// MemoryEntries bounds the in-memory LRU.
	MemoryEntries int

	// Retention is how long media records are kept on disk.
	Retention time.Duration
}

// DefaultCacheConfig returns production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryEntries: 64,
		Retention:     7 * 24 * time.Hour,
	}
}

// Cache serves event media: memory LRU, then disk, then a single-flighted
// upstream fetch. Fetch failures degrade to ErrNoMedia; disk failures
// degrade to fetching upstream every time. Neither crashes a caller.
type Cache struct {
	cfg    CacheConfig
	memory *cache.BlobLRU
	disk   *DiskStore
	api    cloud.API
	group  singleflight.Group
}

// NewCache creates the media cache over a disk store and upstream API.
func NewCache(cfg CacheConfig, disk *DiskStore, api cloud.API) *Cache {
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = 64
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	c := &Cache{
		cfg:  cfg,
		disk: disk,
		api:  api,
	}
	c.memory = cache.NewBlobLRU(cfg.MemoryEntries, func(key string) {
		logging.Debug().Str("media", key).Msg("media evicted from memory cache")
	})
	return c
}

// memoryKey namespaces the in-memory LRU by device.
func memoryKey(deviceID, mediaKey string) string {
	return deviceID + "/" + mediaKey
}

// RegisterEvent creates the media record for a finalized logical event and
// returns its media key. Events without a media token register nothing.
func (c *Cache) RegisterEvent(ev *events.LogicalEvent) (string, bool) {
	if ev.MediaToken == "" {
		return "", false
	}
	eventType := ev.PrimaryType()
	mediaKey := Key(ev.DeviceID, ev.OccurredAt, eventType)
	c.disk.Register(&Record{
		MediaKey:   mediaKey,
		DeviceID:   ev.DeviceID,
		SessionID:  ev.SessionID,
		EventType:  eventType,
		Timestamp:  ev.OccurredAt,
		Token:      ev.MediaToken,
		PreviewURL: ev.PreviewURL,
	})
	return mediaKey, true
}

// GetMedia returns the artifact for (device, key). Concurrent calls for the
// same key share one upstream fetch.
func (c *Cache) GetMedia(ctx context.Context, deviceID, mediaKey string) (*Content, error) {
	record, exists := c.disk.Lookup(deviceID, mediaKey)
	if !exists {
		return nil, ErrUnknownMedia
	}

	memKey := memoryKey(deviceID, mediaKey)
	if data, hit := c.memory.Get(memKey); hit {
		metrics.MediaCacheHits.WithLabelValues("memory").Inc()
		return &Content{Data: data, ContentType: record.ContentType}, nil
	}

	shared := true
	result, err, _ := c.group.Do(memKey, func() (interface{}, error) {
		shared = false
		return c.load(ctx, deviceID, mediaKey, record)
	})
	if shared {
		metrics.MediaFetchesCoalesced.Inc()
	}
	if err != nil {
		return nil, err
	}
	return result.(*Content), nil
}

// load is the single-flighted miss path: disk first, then upstream.
func (c *Cache) load(ctx context.Context, deviceID, mediaKey string, record Record) (*Content, error) {
	memKey := memoryKey(deviceID, mediaKey)

	// A caller that lost the single-flight race may find the winner's
	// result already cached.
	if data, hit := c.memory.Get(memKey); hit {
		metrics.MediaCacheHits.WithLabelValues("memory").Inc()
		return &Content{Data: data, ContentType: record.ContentType}, nil
	}

	if record.Fetched {
		content, err := c.disk.ReadMedia(deviceID, mediaKey)
		if err == nil {
			metrics.MediaCacheHits.WithLabelValues("disk").Inc()
			c.insert(memKey, content)
			return content, nil
		}
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			logging.Warn().Err(err).Str("media", mediaKey).Msg("disk read failed, refetching upstream")
		}
	}

	metrics.MediaCacheMisses.Inc()
	content, err := c.fetch(ctx, deviceID, record)
	if err != nil {
		return nil, err
	}

	// Write-through is best effort: a persist failure degrades the next
	// cold read to an upstream fetch, nothing more.
	if err := c.disk.WriteMedia(deviceID, mediaKey, content); err != nil {
		logging.Warn().Err(err).Str("media", mediaKey).Msg("media write-through failed")
	}
	c.insert(memKey, content)
	return content, nil
}

// fetch retrieves the artifact from upstream using the record's grant.
func (c *Cache) fetch(ctx context.Context, deviceID string, record Record) (*Content, error) {
	start := time.Now()
	content, err := c.doFetch(ctx, deviceID, record)
	metrics.MediaFetchDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.MediaFetches.WithLabelValues("ok").Inc()
		return content, nil
	case errors.Is(err, cloud.ErrNotFound):
		metrics.MediaFetches.WithLabelValues("not_found").Inc()
		logging.Debug().Str("media", record.MediaKey).Msg("media no longer available upstream")
		return nil, ErrNoMedia
	case cloud.IsAuthError(err):
		// Auth failures must propagate to force re-authentication.
		metrics.MediaFetches.WithLabelValues("error").Inc()
		return nil, err
	default:
		metrics.MediaFetches.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("media", record.MediaKey).Msg("media fetch failed")
		return nil, ErrNoMedia
	}
}

func (c *Cache) doFetch(ctx context.Context, deviceID string, record Record) (*Content, error) {
	if record.PreviewURL != "" {
		m, err := c.api.DownloadMedia(ctx, record.PreviewURL, "")
		if err != nil {
			return nil, err
		}
		return &Content{Data: m.Data, ContentType: contentTypeOr(m.ContentType, "video/mp4")}, nil
	}

	image, err := c.api.GenerateEventImage(ctx, deviceID, record.Token)
	if err != nil {
		return nil, err
	}
	m, err := c.api.DownloadMedia(ctx, image.URL, image.Token)
	if err != nil {
		return nil, err
	}
	return &Content{Data: m.Data, ContentType: contentTypeOr(m.ContentType, "image/jpeg")}, nil
}

func contentTypeOr(contentType, fallback string) string {
	if contentType == "" || strings.EqualFold(contentType, "application/octet-stream") {
		return fallback
	}
	return contentType
}

func (c *Cache) insert(memKey string, content *Content) {
	c.memory.Add(memKey, content.Data)
	_, _, size := c.memory.Stats()
	metrics.MediaCacheEntries.Set(float64(size))
}

// Prefetch eagerly loads an event's media. Used for clip-preview devices
// whose artifacts expire quickly upstream. Failures are already degraded by
// GetMedia; nothing to do here.
func (c *Cache) Prefetch(ctx context.Context, deviceID, mediaKey string) {
	if _, err := c.GetMedia(ctx, deviceID, mediaKey); err != nil && !errors.Is(err, ErrNoMedia) {
		logging.Debug().Err(err).Str("media", mediaKey).Msg("media prefetch failed")
	}
}

// EvictDevice drops all cache state for a device: memory entries, disk
// artifacts, and index rows. Used on device unload.
func (c *Cache) EvictDevice(deviceID string) {
	prefix := deviceID + "/"
	c.memory.RemoveFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
	c.disk.RemoveDevice(deviceID)
	_, _, size := c.memory.Stats()
	metrics.MediaCacheEntries.Set(float64(size))
}

// SweepExpired runs one retention pass over the disk store.
func (c *Cache) SweepExpired(now time.Time) int {
	return c.disk.Sweep(now.Add(-c.cfg.Retention))
}

// Records lists the device's media records, newest first.
func (c *Cache) Records(deviceID string) []Record {
	return c.disk.Records(deviceID)
}

// Lookup returns the index record for a key.
func (c *Cache) Lookup(deviceID, mediaKey string) (Record, bool) {
	return c.disk.Lookup(deviceID, mediaKey)
}
