// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/events"
)

// fakeAPI is a controllable upstream for cache tests.
type fakeAPI struct {
	mu            sync.Mutex
	generateCalls int32
	downloadCalls int32
	failWith      error
	payload       []byte
	contentType   string
	blockFetch    chan struct{} // when set, DownloadMedia blocks until closed
}

func (f *fakeAPI) GenerateEventImage(_ context.Context, deviceID, eventToken string) (*cloud.EventImage, error) {
	atomic.AddInt32(&f.generateCalls, 1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &cloud.EventImage{URL: "https://cdn/" + eventToken, Token: "g.0." + eventToken}, nil
}

func (f *fakeAPI) DownloadMedia(_ context.Context, url, token string) (*cloud.Media, error) {
	if f.blockFetch != nil {
		<-f.blockFetch
	}
	atomic.AddInt32(&f.downloadCalls, 1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	payload := f.payload
	if payload == nil {
		payload = []byte("image bytes")
	}
	contentType := f.contentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &cloud.Media{Data: payload, ContentType: contentType}, nil
}

func (f *fakeAPI) GenerateStream(_ context.Context, _ string, _ devices.StreamProtocol) (*cloud.StreamGrant, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) ExtendStream(_ context.Context, _ string, _ devices.StreamProtocol, _ string) (*cloud.StreamGrant, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) StopStream(_ context.Context, _ string, _ devices.StreamProtocol, _ string) error {
	return nil
}

func newTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open BadgerDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestCache(t *testing.T, api cloud.API, memoryEntries int) (*Cache, *DiskStore) {
	t.Helper()
	cfg := DefaultDiskStoreConfig()
	cfg.MediaDir = t.TempDir()
	cfg.SaveDelay = time.Hour // tests flush explicitly
	disk, err := OpenDiskStore(newTestBadger(t), cfg)
	if err != nil {
		t.Fatalf("OpenDiskStore failed: %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	cacheCfg := DefaultCacheConfig()
	cacheCfg.MemoryEntries = memoryEntries
	return NewCache(cacheCfg, disk, api), disk
}

func registerTestEvent(t *testing.T, c *Cache, deviceID, session, token string, ts time.Time) string {
	t.Helper()
	key, ok := c.RegisterEvent(&events.LogicalEvent{
		DeviceID:       deviceID,
		SessionID:      session,
		PrimaryEventID: token,
		EventTypes:     []string{events.EventTypeMotion},
		OccurredAt:     ts,
		MediaToken:     token,
	})
	if !ok {
		t.Fatal("Expected media registration")
	}
	return key
}

func TestCache_FetchOnMissThenMemoryHit(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestCache(t, api, 64)
	key := registerTestEvent(t, c, "cam-1", "s1", "tok-1", time.Now())

	content, err := c.GetMedia(context.Background(), "cam-1", key)
	if err != nil {
		t.Fatalf("GetMedia failed: %v", err)
	}
	if string(content.Data) != "image bytes" || content.ContentType != "image/jpeg" {
		t.Errorf("Unexpected content %q (%s)", content.Data, content.ContentType)
	}

	// Second read must come from memory, not upstream.
	if _, err := c.GetMedia(context.Background(), "cam-1", key); err != nil {
		t.Fatalf("Second GetMedia failed: %v", err)
	}
	if n := atomic.LoadInt32(&api.downloadCalls); n != 1 {
		t.Errorf("Expected exactly 1 upstream download, got %d", n)
	}
}

func TestCache_UnknownKey(t *testing.T) {
	c, _ := newTestCache(t, &fakeAPI{}, 64)

	_, err := c.GetMedia(context.Background(), "cam-1", "no-such-key")
	if !errors.Is(err, ErrUnknownMedia) {
		t.Errorf("Expected ErrUnknownMedia, got %v", err)
	}
}

func TestCache_UpstreamFailureDegradesToNoMedia(t *testing.T) {
	api := &fakeAPI{failWith: &cloud.TransientError{Op: "download_media", Err: errors.New("boom")}}
	c, _ := newTestCache(t, api, 64)
	key := registerTestEvent(t, c, "cam-1", "s1", "tok-1", time.Now())

	_, err := c.GetMedia(context.Background(), "cam-1", key)
	if !errors.Is(err, ErrNoMedia) {
		t.Errorf("Expected ErrNoMedia, got %v", err)
	}
}

func TestCache_AuthErrorPropagates(t *testing.T) {
	api := &fakeAPI{failWith: &cloud.AuthError{Op: "generate_image", Err: errors.New("expired")}}
	c, _ := newTestCache(t, api, 64)
	key := registerTestEvent(t, c, "cam-1", "s1", "tok-1", time.Now())

	_, err := c.GetMedia(context.Background(), "cam-1", key)
	if !cloud.IsAuthError(err) {
		t.Errorf("Expected AuthError to propagate, got %v", err)
	}
}

func TestCache_SingleFlight(t *testing.T) {
	api := &fakeAPI{blockFetch: make(chan struct{})}
	c, _ := newTestCache(t, api, 64)
	key := registerTestEvent(t, c, "cam-1", "s1", "tok-1", time.Now())

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = c.GetMedia(context.Background(), "cam-1", key)
		}(i)
	}

	// Let the callers pile onto the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(api.blockFetch)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Caller %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&api.downloadCalls); n != 1 {
		t.Errorf("Expected exactly 1 upstream fetch for concurrent callers, got %d", n)
	}
}

func TestCache_LRUEvictionRefetches(t *testing.T) {
	// 65 unique keys through a 64-entry cache: the least recently used key
	// must no longer be served from memory, observed via the upstream
	// fetch counter after its disk copy is removed.
	api := &fakeAPI{}
	c, disk := newTestCache(t, api, 64)

	base := time.Now().Add(-time.Minute)
	keys := make([]string, 65)
	for i := range keys {
		keys[i] = registerTestEvent(t, c, "cam-1", fmt.Sprintf("s%d", i), fmt.Sprintf("tok-%d", i), base.Add(time.Duration(i)*time.Second))
		if _, err := c.GetMedia(context.Background(), "cam-1", keys[i]); err != nil {
			t.Fatalf("GetMedia %d failed: %v", i, err)
		}
	}

	if got := c.memory.Len(); got != 64 {
		t.Errorf("Expected memory cache bounded at 64, got %d", got)
	}

	downloadsBefore := atomic.LoadInt32(&api.downloadCalls)

	// keys[0] was evicted from memory but kept on disk; reading it again
	// must hit disk, not upstream.
	if _, err := c.GetMedia(context.Background(), "cam-1", keys[0]); err != nil {
		t.Fatalf("GetMedia after eviction failed: %v", err)
	}
	if n := atomic.LoadInt32(&api.downloadCalls); n != downloadsBefore {
		t.Errorf("Eviction must not delete disk copy: expected %d downloads, got %d", downloadsBefore, n)
	}

	// keys[1] evicted from memory AND removed from disk: now upstream is
	// the only source, proving it left the memory tier.
	record, _ := disk.Lookup("cam-1", keys[1])
	disk.removeFile(record.Filename)
	if _, err := c.GetMedia(context.Background(), "cam-1", keys[1]); err != nil {
		t.Fatalf("GetMedia refetch failed: %v", err)
	}
	if n := atomic.LoadInt32(&api.downloadCalls); n != downloadsBefore+1 {
		t.Errorf("Expected one refetch for evicted key, got %d extra", n-downloadsBefore)
	}
}

func TestCache_DiskReadFailureFallsBackToUpstream(t *testing.T) {
	api := &fakeAPI{}
	c, disk := newTestCache(t, api, 2)
	key := registerTestEvent(t, c, "cam-1", "s1", "tok-1", time.Now())

	if _, err := c.GetMedia(context.Background(), "cam-1", key); err != nil {
		t.Fatalf("GetMedia failed: %v", err)
	}

	// Evict from memory and break the disk copy.
	c.memory.Purge()
	record, _ := disk.Lookup("cam-1", key)
	disk.fileLRU.Purge()
	if err := os.Remove(disk.cfg.MediaDir + "/" + record.Filename); err != nil {
		t.Fatalf("Failed to remove media file: %v", err)
	}

	content, err := c.GetMedia(context.Background(), "cam-1", key)
	if err != nil {
		t.Fatalf("Expected upstream fallback, got %v", err)
	}
	if string(content.Data) != "image bytes" {
		t.Errorf("Unexpected content %q", content.Data)
	}
	if n := atomic.LoadInt32(&api.downloadCalls); n != 2 {
		t.Errorf("Expected refetch after disk failure, got %d downloads", n)
	}
}

func TestCache_ClipPreviewUsesPreviewURL(t *testing.T) {
	api := &fakeAPI{payload: []byte("mp4 bytes"), contentType: "video/mp4"}
	c, _ := newTestCache(t, api, 64)

	key, ok := c.RegisterEvent(&events.LogicalEvent{
		DeviceID:   "cam-batt",
		SessionID:  "s1",
		EventTypes: []string{events.EventTypeClipPreview, events.EventTypeMotion},
		OccurredAt: time.Now(),
		MediaToken: "clip-tok",
		PreviewURL: "https://cloud/preview/1",
	})
	if !ok {
		t.Fatal("Expected registration")
	}

	content, err := c.GetMedia(context.Background(), "cam-batt", key)
	if err != nil {
		t.Fatalf("GetMedia failed: %v", err)
	}
	if content.ContentType != "video/mp4" {
		t.Errorf("Expected video/mp4, got %s", content.ContentType)
	}
	// Preview URLs are pre-authorized; no image grant is generated.
	if n := atomic.LoadInt32(&api.generateCalls); n != 0 {
		t.Errorf("Expected no GenerateEventImage calls, got %d", n)
	}
}

func TestCache_NoMediaToken(t *testing.T) {
	c, _ := newTestCache(t, &fakeAPI{}, 64)

	_, ok := c.RegisterEvent(&events.LogicalEvent{
		DeviceID:   "cam-1",
		SessionID:  "s1",
		EventTypes: []string{events.EventTypeMotion},
		OccurredAt: time.Now(),
	})
	if ok {
		t.Error("Event without media token must not register media")
	}
}

func TestCache_RetentionSweep(t *testing.T) {
	api := &fakeAPI{}
	c, disk := newTestCache(t, api, 64)

	now := time.Now()
	oldKey := registerTestEvent(t, c, "cam-1", "s-old", "tok-old", now.Add(-8*24*time.Hour))
	newKey := registerTestEvent(t, c, "cam-1", "s-new", "tok-new", now.Add(-time.Hour))

	if _, err := c.GetMedia(context.Background(), "cam-1", oldKey); err != nil {
		t.Fatalf("GetMedia failed: %v", err)
	}

	retired := c.SweepExpired(now)
	if retired != 1 {
		t.Errorf("Expected 1 record retired, got %d", retired)
	}
	if _, exists := disk.Lookup("cam-1", oldKey); exists {
		t.Error("Expected old record removed from index")
	}
	if _, exists := disk.Lookup("cam-1", newKey); !exists {
		t.Error("Expected recent record to survive")
	}
}

func TestCache_EvictDevice(t *testing.T) {
	api := &fakeAPI{}
	c, disk := newTestCache(t, api, 64)
	key := registerTestEvent(t, c, "cam-1", "s1", "tok-1", time.Now())
	keep := registerTestEvent(t, c, "cam-2", "s2", "tok-2", time.Now())

	if _, err := c.GetMedia(context.Background(), "cam-1", key); err != nil {
		t.Fatalf("GetMedia failed: %v", err)
	}

	c.EvictDevice("cam-1")

	if _, err := c.GetMedia(context.Background(), "cam-1", key); !errors.Is(err, ErrUnknownMedia) {
		t.Errorf("Expected ErrUnknownMedia after unload, got %v", err)
	}
	if _, exists := disk.Lookup("cam-2", keep); !exists {
		t.Error("Other devices must be unaffected by unload")
	}
}

