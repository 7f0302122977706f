// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/dispatcher"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/media"
	"github.com/tomtom215/lenswatch/internal/stream"
	"github.com/tomtom215/lenswatch/internal/validation"
	ws "github.com/tomtom215/lenswatch/internal/websocket"
)

// Handler owns all HTTP endpoint implementations.
type Handler struct {
	registry   *devices.Registry
	mediaCache *media.Cache
	streams    *stream.Manager
	dispatcher *dispatcher.Dispatcher
	wsHub      *ws.Hub
	startedAt  time.Time
	upgrader   gorillaws.Upgrader
}

// NewHandler wires the endpoint implementations to their backing
// components.
func NewHandler(registry *devices.Registry, mediaCache *media.Cache, streams *stream.Manager, d *dispatcher.Dispatcher, hub *ws.Hub) *Handler {
	return &Handler{
		registry:   registry,
		mediaCache: mediaCache,
		streams:    streams,
		dispatcher: d,
		wsHub:      hub,
		startedAt:  time.Now(),
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS already ran; the upgrade itself accepts any origin
			// the CORS layer let through.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status":         "alive",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HealthReady reports whether the event pipeline can accept traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.dispatcher == nil || h.dispatcher.Stopped() {
		rw.ServiceUnavailable("event dispatcher not running")
		return
	}
	rw.Success(map[string]string{"status": "ready"})
}

// ListDevices returns every registered camera.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	NewResponseWriter(w, r).SuccessWithCount(list, len(list))
}

// RegisterDevice adds a camera to the registry.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if verr := validation.Struct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Details())
		return
	}
	if _, err := h.registry.Get(req.ID); err == nil {
		rw.Conflict("device already registered")
		return
	}

	protocols := make([]devices.StreamProtocol, len(req.StreamProtocols))
	for i, p := range req.StreamProtocols {
		protocols[i] = devices.StreamProtocol(p)
	}

	device := devices.Device{
		ID:   req.ID,
		Name: req.Name,
		Traits: devices.Traits{
			EventTypes:      req.EventTypes,
			StreamProtocols: protocols,
			ClipPreview:     req.ClipPreview,
			EventImage:      req.EventImage,
		},
	}
	h.registry.Add(device)

	logging.Info().Str("device_id", device.ID).Str("name", device.Name).Msg("device registered")
	rw.Created(device)
}

// GetDevice returns one camera.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	device, err := h.registry.Get(chi.URLParam(r, "deviceID"))
	if err != nil {
		rw.NotFound("device not found")
		return
	}
	rw.Success(device)
}

// UnloadDevice tears a camera down: open event sessions are discarded,
// stream grants revoked, cached media evicted, and the registry entry
// removed.
func (h *Handler) UnloadDevice(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.dispatcher.UnloadDevice(r.Context(), deviceID); err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			rw.NotFound("device not found")
			return
		}
		logging.Error().Err(err).Str("device_id", deviceID).Msg("device unload failed")
		rw.InternalError("failed to unload device")
		return
	}

	logging.Info().Str("device_id", deviceID).Msg("device unloaded")
	rw.NoContent()
}

// DeviceEvents lists the media index for one camera, newest first.
func (h *Handler) DeviceEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	deviceID := chi.URLParam(r, "deviceID")

	if _, err := h.registry.Get(deviceID); err != nil {
		rw.NotFound("device not found")
		return
	}

	req := DeviceEventsRequest{Limit: intQuery(r, "limit", 100)}
	if verr := validation.Struct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Details())
		return
	}

	records := h.mediaCache.Records(deviceID)
	if len(records) > req.Limit {
		records = records[:req.Limit]
	}
	rw.SuccessWithCount(records, len(records))
}

// GetMedia serves the media artifact for one event, fetching from the
// upstream service on a cold cache.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	deviceID := chi.URLParam(r, "deviceID")
	mediaKey := chi.URLParam(r, "mediaKey")

	content, err := h.mediaCache.GetMedia(r.Context(), deviceID, mediaKey)
	switch {
	case err == nil:
	case errors.Is(err, media.ErrUnknownMedia):
		rw.NotFound("unknown media key")
		return
	case errors.Is(err, media.ErrNoMedia):
		rw.Error(http.StatusNotFound, ErrCodeNoMedia, "media not available for this event")
		return
	case cloud.IsAuthError(err):
		rw.UpstreamError(err)
		return
	default:
		logging.Error().Err(err).Str("media_key", mediaKey).Msg("media read failed")
		rw.InternalError("failed to read media")
		return
	}

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(content.Data); err != nil {
		logging.Warn().Err(err).Msg("failed to write media body")
	}
}

// streamResponse augments the session with its lifecycle state.
type streamResponse struct {
	stream.Session
	State string `json:"state"`
}

// GetStream returns a live-stream URL for the camera, issuing or reusing
// an upstream grant as needed.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	deviceID := chi.URLParam(r, "deviceID")

	session, err := h.streams.GetStreamURL(r.Context(), deviceID)
	switch {
	case err == nil:
	case errors.Is(err, devices.ErrDeviceNotFound):
		rw.NotFound("device not found")
		return
	case cloud.IsAuthError(err):
		rw.UpstreamError(err)
		return
	default:
		rw.UpstreamError(err)
		return
	}

	rw.Success(streamResponse{
		Session: session,
		State:   h.streams.State(deviceID).String(),
	})
}

// StopStream revokes the camera's live-stream grant.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	deviceID := chi.URLParam(r, "deviceID")

	if _, err := h.registry.Get(deviceID); err != nil {
		rw.NotFound("device not found")
		return
	}

	h.streams.Stop(r.Context(), deviceID)
	rw.NoContent()
}

// WebSocket upgrades the connection and attaches it to the event feed.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		NewResponseWriter(w, r).ServiceUnavailable("websocket feed unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	h.wsHub.Register <- client
	client.Start()
}

// intQuery parses an integer query parameter with a default.
func intQuery(r *http.Request, key string, def int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}
