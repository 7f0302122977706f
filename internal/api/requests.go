// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package api

// Request validation structs use go-playground/validator v10 tags and are
// checked through the validation package before any handler logic runs.

// RegisterDeviceRequest is the body for POST /api/v1/devices.
type RegisterDeviceRequest struct {
	ID   string `json:"id" validate:"required,min=1,max=128"`
	Name string `json:"name" validate:"required,max=256"`

	// EventTypes the device may emit; at least one is required or no
	// push message would ever route to it.
	EventTypes []string `json:"event_types" validate:"required,min=1,dive,min=1"`

	// StreamProtocols in preference order. Empty defaults to RTSP.
	StreamProtocols []string `json:"stream_protocols" validate:"omitempty,dive,oneof=rtsp webrtc"`

	ClipPreview bool `json:"clip_preview"`
	EventImage  bool `json:"event_image"`
}

// DeviceEventsRequest is the query surface for GET /devices/{id}/events.
type DeviceEventsRequest struct {
	Limit int `validate:"min=1,max=500"`
}
