// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/lenswatch/internal/auth"
	"github.com/tomtom215/lenswatch/internal/authz"
	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/config"
	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/dispatcher"
	"github.com/tomtom215/lenswatch/internal/events"
	"github.com/tomtom215/lenswatch/internal/media"
	"github.com/tomtom215/lenswatch/internal/stream"
)

type fakeCloud struct {
	imageErr    error
	downloadErr error
	streamErr   error
}

func (f *fakeCloud) GenerateEventImage(_ context.Context, _, eventToken string) (*cloud.EventImage, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return &cloud.EventImage{URL: "https://cdn.example/" + eventToken, Token: "g." + eventToken}, nil
}

func (f *fakeCloud) DownloadMedia(context.Context, string, string) (*cloud.Media, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return &cloud.Media{Data: []byte("fake-jpeg-bytes"), ContentType: "image/jpeg"}, nil
}

func (f *fakeCloud) GenerateStream(context.Context, string, devices.StreamProtocol) (*cloud.StreamGrant, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &cloud.StreamGrant{
		URL:            "rtsps://stream.example/live",
		Token:          "tok-1",
		ExtensionToken: "ext-1",
		ExpiresAt:      time.Now().Add(5 * time.Minute),
	}, nil
}

func (f *fakeCloud) ExtendStream(context.Context, string, devices.StreamProtocol, string) (*cloud.StreamGrant, error) {
	return f.GenerateStream(context.Background(), "", "")
}

func (f *fakeCloud) StopStream(context.Context, string, devices.StreamProtocol, string) error {
	return nil
}

// testStack bundles the components behind a running test server.
type testStack struct {
	server     *httptest.Server
	registry   *devices.Registry
	mediaCache *media.Cache
	api        *fakeCloud
}

func newTestStack(t *testing.T, authMW *auth.Middleware) *testStack {
	t.Helper()

	api := &fakeCloud{}
	registry := devices.NewRegistry()
	registry.Add(devices.Device{ID: "cam-1", Name: "Front Door", Traits: devices.DefaultCameraTraits()})

	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	diskCfg := media.DefaultDiskStoreConfig()
	diskCfg.MediaDir = t.TempDir()
	diskCfg.SaveDelay = time.Hour
	disk, err := media.OpenDiskStore(db, diskCfg)
	if err != nil {
		t.Fatalf("OpenDiskStore: %v", err)
	}
	t.Cleanup(func() { disk.Close() })
	mediaCache := media.NewCache(media.DefaultCacheConfig(), disk, api)

	streams := stream.NewManager(stream.DefaultConfig(), api, registry, nil)
	t.Cleanup(func() { streams.CloseAll(context.Background()) })

	d := dispatcher.New(dispatcher.Config{}, mediaCache, streams, registry)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if authMW == nil {
		authMW = auth.NewMiddleware(nil, nil, true)
	}
	handler := NewHandler(registry, mediaCache, streams, d, nil)
	chiMW := NewChiMiddleware(&ChiMiddlewareConfig{RateLimitDisabled: true})
	server := httptest.NewServer(NewRouter(handler, chiMW, authMW).Setup())
	t.Cleanup(server.Close)

	return &testStack{server: server, registry: registry, mediaCache: mediaCache, api: api}
}

// seedMediaRecord registers a finalized event's media and returns its key.
func (s *testStack) seedMediaRecord(t *testing.T) string {
	t.Helper()
	key, ok := s.mediaCache.RegisterEvent(&events.LogicalEvent{
		DeviceID:       "cam-1",
		SessionID:      "sess-1",
		PrimaryEventID: "ev-1",
		EventTypes:     []string{events.EventTypeMotion},
		OccurredAt:     time.Now().Truncate(time.Second),
		Reason:         events.FinalizeReasonEnded,
		MediaToken:     "ev-1",
	})
	if !ok {
		t.Fatal("RegisterEvent did not produce a media key")
	}
	return key
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var envelope APIResponse
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && err != io.EOF {
			t.Fatalf("decode envelope: %v", err)
		}
	}
	return resp, envelope
}

func requireErrorCode(t *testing.T, envelope APIResponse, code string) {
	t.Helper()
	if envelope.Success {
		t.Fatal("expected failure envelope")
	}
	if envelope.Error == nil || envelope.Error.Code != code {
		t.Fatalf("error code = %+v, want %s", envelope.Error, code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/health/live", nil)
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		t.Fatalf("live status = %d, success = %v", resp.StatusCode, envelope.Success)
	}

	resp, envelope = doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/health/ready", nil)
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		t.Fatalf("ready status = %d, success = %v", resp.StatusCode, envelope.Success)
	}
}

func TestHealthReady_NoDispatcher(t *testing.T) {
	handler := NewHandler(devices.NewRegistry(), nil, nil, nil, nil)
	chiMW := NewChiMiddleware(&ChiMiddlewareConfig{RateLimitDisabled: true})
	server := httptest.NewServer(NewRouter(handler, chiMW, auth.NewMiddleware(nil, nil, true)).Setup())
	defer server.Close()

	resp, envelope := doJSON(t, http.MethodGet, server.URL+"/api/v1/health/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeServiceUnavailable)
}

func TestListDevices(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/devices", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if envelope.Meta == nil || envelope.Meta.Count != 1 {
		t.Fatalf("meta = %+v, want count 1", envelope.Meta)
	}
}

func TestRegisterDevice(t *testing.T) {
	stack := newTestStack(t, nil)
	url := stack.server.URL + "/api/v1/devices"

	resp, envelope := doJSON(t, http.MethodPost, url, RegisterDeviceRequest{
		ID:         "cam-2",
		Name:       "Backyard",
		EventTypes: []string{events.EventTypeMotion, events.EventTypePerson},
		EventImage: true,
	})
	if resp.StatusCode != http.StatusCreated || !envelope.Success {
		t.Fatalf("status = %d, success = %v", resp.StatusCode, envelope.Success)
	}
	if _, err := stack.registry.Get("cam-2"); err != nil {
		t.Fatalf("device not in registry: %v", err)
	}

	// Same ID again conflicts.
	resp, envelope = doJSON(t, http.MethodPost, url, RegisterDeviceRequest{
		ID:         "cam-2",
		Name:       "Backyard",
		EventTypes: []string{events.EventTypeMotion},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeConflict)
}

func TestRegisterDevice_ValidationFailure(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodPost, stack.server.URL+"/api/v1/devices", RegisterDeviceRequest{
		ID:   "cam-3",
		Name: "No Events",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeValidationFailed)
}

func TestRegisterDevice_InvalidJSON(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, err := http.Post(stack.server.URL+"/api/v1/devices", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetDevice(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/devices/cam-1", nil)
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, envelope = doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/devices/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeNotFound)
}

func TestUnloadDevice(t *testing.T) {
	stack := newTestStack(t, nil)
	stack.seedMediaRecord(t)

	resp, _ := doJSON(t, http.MethodDelete, stack.server.URL+"/api/v1/devices/cam-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if _, err := stack.registry.Get("cam-1"); err == nil {
		t.Fatal("device still registered after unload")
	}
	if records := stack.mediaCache.Records("cam-1"); len(records) != 0 {
		t.Fatalf("media records survived unload: %d", len(records))
	}

	resp, envelope := doJSON(t, http.MethodDelete, stack.server.URL+"/api/v1/devices/cam-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second unload status = %d, want 404", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeNotFound)
}

func TestDeviceEvents(t *testing.T) {
	stack := newTestStack(t, nil)
	stack.seedMediaRecord(t)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/devices/cam-1/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if envelope.Meta == nil || envelope.Meta.Count != 1 {
		t.Fatalf("meta = %+v, want count 1", envelope.Meta)
	}

	resp, _ = doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/devices/ghost/events", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status = %d, want 404", resp.StatusCode)
	}

	resp, envelope = doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/devices/cam-1/events?limit=9999", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized limit status = %d, want 400", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeValidationFailed)
}

func TestGetMedia(t *testing.T) {
	stack := newTestStack(t, nil)
	key := stack.seedMediaRecord(t)

	resp, err := http.Get(stack.server.URL + "/api/v1/media/cam-1/" + key)
	if err != nil {
		t.Fatalf("GET media: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "fake-jpeg-bytes" {
		t.Fatalf("body = %q", body)
	}
}

func TestGetMedia_UnknownKey(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/media/cam-1/no-such-key", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeNotFound)
}

func TestGetMedia_UpstreamFetchFails(t *testing.T) {
	stack := newTestStack(t, nil)
	key := stack.seedMediaRecord(t)
	stack.api.imageErr = &cloud.TransientError{Op: "GenerateEventImage", StatusCode: 500}

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/media/cam-1/"+key, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeNoMedia)
}

func TestGetStream(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/stream/cam-1", nil)
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		t.Fatalf("status = %d, success = %v", resp.StatusCode, envelope.Success)
	}

	raw, _ := json.Marshal(envelope.Data)
	var got streamResponse
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode stream response: %v", err)
	}
	if got.URL != "rtsps://stream.example/live" {
		t.Fatalf("url = %q", got.URL)
	}
	if got.State == "" {
		t.Fatal("state missing from stream response")
	}
}

func TestGetStream_UnknownDevice(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/stream/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeNotFound)
}

func TestGetStream_UpstreamAuthFailure(t *testing.T) {
	stack := newTestStack(t, nil)
	stack.api.streamErr = &cloud.AuthError{Op: "GenerateStream", Err: errors.New("token expired")}

	resp, envelope := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/stream/cam-1", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	requireErrorCode(t, envelope, ErrCodeUpstreamFailed)
}

func TestStopStream(t *testing.T) {
	stack := newTestStack(t, nil)

	// Issue a stream first so there is something to revoke.
	if resp, _ := doJSON(t, http.MethodGet, stack.server.URL+"/api/v1/stream/cam-1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("issue status = %d", resp.StatusCode)
	}

	resp, _ := doJSON(t, http.MethodDelete, stack.server.URL+"/api/v1/stream/cam-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d, want 204", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, stack.server.URL+"/api/v1/stream/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, err := http.Get(stack.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRouter_Authentication(t *testing.T) {
	secCfg := &config.SecurityConfig{
		JWTSecret:      "0123456789abcdef0123456789abcdef",
		SessionTimeout: time.Hour,
	}
	jwtManager, err := auth.NewJWTManager(secCfg)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	enforcer, err := authz.NewEnforcer(&authz.Config{DefaultRole: "viewer"})
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	t.Cleanup(func() { enforcer.Close() })

	stack := newTestStack(t, auth.NewMiddleware(jwtManager, enforcer, false))

	get := func(token string) int {
		req, _ := http.NewRequest(http.MethodGet, stack.server.URL+"/api/v1/devices", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET devices: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if status := get(""); status != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", status)
	}

	viewerToken, err := jwtManager.GenerateToken("alice", "viewer")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if status := get(viewerToken); status != http.StatusOK {
		t.Fatalf("viewer GET status = %d, want 200", status)
	}

	// Viewers cannot register devices.
	body, _ := json.Marshal(RegisterDeviceRequest{ID: "cam-9", Name: "X", EventTypes: []string{events.EventTypeMotion}})
	req, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/api/v1/devices", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+viewerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("viewer POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer POST status = %d, want 403", resp.StatusCode)
	}

	operatorToken, err := jwtManager.GenerateToken("bob", "operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req, _ = http.NewRequest(http.MethodPost, stack.server.URL+"/api/v1/devices", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("operator POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("operator POST status = %d, want 201", resp.StatusCode)
	}

	// Health stays open without a token.
	resp, err = http.Get(stack.server.URL + "/api/v1/health/live")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}
