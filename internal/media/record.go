// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package media implements the bounded event media cache: an in-memory LRU
// over a durable disk store, with single-flight upstream fetches and
// debounced index persistence.
package media

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrNoMedia is the degraded-but-valid result for a media read that cannot
// be satisfied: callers show a placeholder instead of failing.
var ErrNoMedia = fmt.Errorf("media not available")

// StorageError wraps a disk failure. Logged and degraded around, never
// propagated to API callers.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("media store %s failed for %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap supports errors.Is/As chains.
func (e *StorageError) Unwrap() error { return e.Err }

// Record is the index row for one event's media. Created when the event is
// registered; the fetch-dependent fields (Filename, ContentType, SizeBytes)
// are filled on first successful fetch and never change afterwards.
type Record struct {
	MediaKey  string    `json:"media_key"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	// Token is the upstream event token used for snapshot generation.
	Token string `json:"token,omitempty"`

	// PreviewURL is the pre-authorized clip URL for clip-preview devices.
	PreviewURL string `json:"preview_url,omitempty"`

	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int    `json:"size_bytes,omitempty"`

	// Fetched is set once the artifact is on disk.
	Fetched bool `json:"fetched"`
}

// Content is a media payload ready to serve.
type Content struct {
	Data        []byte
	ContentType string
}

// Key derives the deterministic media key for an event: a short device
// digest, the event's unix timestamp, and its primary event type. The same
// event always yields the same key, so re-registering after a restart is
// harmless.
func Key(deviceID string, timestamp time.Time, eventType string) string {
	digest := blake2b.Sum256([]byte(deviceID))
	return fmt.Sprintf("%s-%d-%s", hex.EncodeToString(digest[:6]), timestamp.Unix(), sanitizeType(eventType))
}

// Filename derives the on-disk name for a record from its key and content
// type.
func Filename(mediaKey, contentType string) string {
	return mediaKey + extensionFor(contentType)
}

func sanitizeType(eventType string) string {
	return strings.NewReplacer("/", "_", ".", "_", " ", "_").Replace(eventType)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}
