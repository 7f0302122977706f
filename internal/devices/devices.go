// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package devices holds the in-memory registry of managed cameras and the
// trait model that drives event filtering, media policy, and stream protocol
// selection.
package devices

import (
	"errors"
	"sort"
	"sync"

	"github.com/tomtom215/lenswatch/internal/events"
)

// ErrDeviceNotFound is returned for lookups of unregistered devices.
var ErrDeviceNotFound = errors.New("device not found")

// StreamProtocol identifies how a device serves its live view.
type StreamProtocol string

const (
	ProtocolRTSP   StreamProtocol = "rtsp"
	ProtocolWebRTC StreamProtocol = "webrtc"
)

// Traits describes what a camera can do. Populated from the upstream device
// listing at registration time and treated as immutable afterwards.
type Traits struct {
	// EventTypes are the event types this device may emit. The aggregator
	// rejects anything outside this set.
	EventTypes []string `json:"event_types"`

	// StreamProtocols lists supported live-view protocols in preference
	// order.
	StreamProtocols []StreamProtocol `json:"stream_protocols"`

	// ClipPreview is set for (typically battery-powered) cameras that
	// deliver a whole-session MP4 preview instead of per-event snapshots.
	// These devices get their media prefetched on event finalize, since
	// the artifact expires quickly upstream.
	ClipPreview bool `json:"clip_preview"`

	// EventImage is set for cameras that support on-demand snapshot
	// generation for an event token.
	EventImage bool `json:"event_image"`
}

// PreferredProtocol returns the first supported stream protocol, defaulting
// to RTSP for devices that declare none.
func (t Traits) PreferredProtocol() StreamProtocol {
	if len(t.StreamProtocols) > 0 {
		return t.StreamProtocols[0]
	}
	return ProtocolRTSP
}

// Device is one managed camera.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Traits Traits `json:"traits"`
}

// SupportsEventType reports whether the device declares the event type.
func (d *Device) SupportsEventType(eventType string) bool {
	for _, t := range d.Traits.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// HasMedia reports whether events from this device can carry media at all.
func (d *Device) HasMedia() bool {
	return d.Traits.ClipPreview || d.Traits.EventImage
}

// Registry is a thread-safe device table. Reads return copies; the registry
// retains sole ownership of its entries.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Add registers or replaces a device.
func (r *Registry) Add(device Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = &device
}

// Remove unregisters a device. Returns true if it was present.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[deviceID]; !exists {
		return false
	}
	delete(r.devices, deviceID)
	return true
}

// Get returns a copy of the device.
func (r *Registry) Get(deviceID string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, exists := r.devices[deviceID]
	if !exists {
		return Device{}, ErrDeviceNotFound
	}
	return *device, nil
}

// List returns all devices sorted by ID.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		list = append(list, *device)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// SupportedEventTypes is the aggregator's trait lookup. Unknown devices
// return an empty slice, which rejects everything; declaring a device is a
// precondition for processing its events.
func (r *Registry) SupportedEventTypes(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, exists := r.devices[deviceID]
	if !exists {
		return []string{}
	}
	return device.Traits.EventTypes
}

// DefaultCameraTraits returns the trait set of a standard wired camera.
func DefaultCameraTraits() Traits {
	return Traits{
		EventTypes: []string{
			events.EventTypeMotion,
			events.EventTypePerson,
			events.EventTypeSound,
		},
		StreamProtocols: []StreamProtocol{ProtocolRTSP},
		EventImage:      true,
	}
}

// BatteryCameraTraits returns the trait set of a battery camera delivering
// clip previews over WebRTC.
func BatteryCameraTraits() Traits {
	return Traits{
		EventTypes: []string{
			events.EventTypeMotion,
			events.EventTypePerson,
			events.EventTypeClipPreview,
		},
		StreamProtocols: []StreamProtocol{ProtocolWebRTC},
		ClipPreview:     true,
	}
}
