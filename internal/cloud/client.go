// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package cloud is the boundary to the upstream camera cloud API: event
// image generation, media download, and live-stream token lifecycle calls.
// Authentication token acquisition lives outside this package; the client is
// handed a TokenSource and treats its output as opaque.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/metrics"
)

// EventImage is a short-lived grant for downloading one event's snapshot.
type EventImage struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// StreamGrant is the upstream's answer to a stream create or extend call.
// The URL is opaque; callers must re-request rather than parse it.
type StreamGrant struct {
	URL            string    `json:"url"`
	Token          string    `json:"streamToken"`
	ExtensionToken string    `json:"streamExtensionToken"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Media is a downloaded media artifact.
type Media struct {
	Data        []byte
	ContentType string
}

// API is the upstream surface the media cache and stream manager depend on.
// Implementations must map failures onto the package error taxonomy.
type API interface {
	// GenerateEventImage exchanges an event token for a snapshot download
	// grant.
	GenerateEventImage(ctx context.Context, deviceID, eventToken string) (*EventImage, error)

	// DownloadMedia fetches the artifact behind a grant URL. token may be
	// empty for pre-authorized preview URLs.
	DownloadMedia(ctx context.Context, url, token string) (*Media, error)

	// GenerateStream requests a fresh live-stream session.
	GenerateStream(ctx context.Context, deviceID string, protocol devices.StreamProtocol) (*StreamGrant, error)

	// ExtendStream renews an existing session using its extension token.
	ExtendStream(ctx context.Context, deviceID string, protocol devices.StreamProtocol, extensionToken string) (*StreamGrant, error)

	// StopStream revokes a session.
	StopStream(ctx context.Context, deviceID string, protocol devices.StreamProtocol, token string) error
}

// TokenSource supplies a current bearer token for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a TokenSource that always yields the given token.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token(_ context.Context) (string, error) { return string(t), nil }

// ClientConfig holds HTTP client tunables.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://cameraapi.example.com/v1".
	BaseURL string

	// Timeout bounds each HTTP call.
	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls. 0 disables throttling.
	RequestsPerSecond float64

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the circuit.
	BreakerFailureThreshold uint32

	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:                 30 * time.Second,
		RequestsPerSecond:       5,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          60 * time.Second,
	}
}

// Client is the HTTP implementation of API. Calls are rate limited and
// wrapped in a circuit breaker; a tripped breaker surfaces as a
// TransientError so callers degrade the same way they do for a 503.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient creates an upstream API client.
func NewClient(cfg ClientConfig, tokens TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "cloud-api",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: limiter,
		breaker: breaker,
	}
}

// commandEnvelope is the executeCommand wire shape.
type commandEnvelope struct {
	Command string      `json:"command"`
	Params  interface{} `json:"params,omitempty"`
}

// commandResult wraps the results object of an executeCommand response.
type commandResult struct {
	Results json.RawMessage `json:"results"`
}

const (
	commandGenerateImage  = "camera.events.GenerateImage"
	commandGenerateRTSP   = "camera.liveStream.GenerateRtspStream"
	commandExtendRTSP     = "camera.liveStream.ExtendRtspStream"
	commandStopRTSP       = "camera.liveStream.StopRtspStream"
	commandGenerateWebRTC = "camera.liveStream.GenerateWebRtcStream"
	commandExtendWebRTC   = "camera.liveStream.ExtendWebRtcStream"
	commandStopWebRTC     = "camera.liveStream.StopWebRtcStream"
)

// GenerateEventImage implements API.
func (c *Client) GenerateEventImage(ctx context.Context, deviceID, eventToken string) (*EventImage, error) {
	raw, err := c.executeCommand(ctx, "generate_image", deviceID, commandEnvelope{
		Command: commandGenerateImage,
		Params:  map[string]string{"eventId": eventToken},
	})
	if err != nil {
		return nil, err
	}
	var image EventImage
	if err := json.Unmarshal(raw, &image); err != nil {
		return nil, fmt.Errorf("decode image grant: %w", err)
	}
	return &image, nil
}

// DownloadMedia implements API.
func (c *Client) DownloadMedia(ctx context.Context, url, token string) (*Media, error) {
	const op = "download_media"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Basic "+token)
	}

	resp, err := c.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Media{Data: data, ContentType: contentType}, nil
}

// GenerateStream implements API.
func (c *Client) GenerateStream(ctx context.Context, deviceID string, protocol devices.StreamProtocol) (*StreamGrant, error) {
	command := commandGenerateRTSP
	if protocol == devices.ProtocolWebRTC {
		command = commandGenerateWebRTC
	}
	return c.streamCommand(ctx, "generate_stream", deviceID, commandEnvelope{Command: command})
}

// ExtendStream implements API.
func (c *Client) ExtendStream(ctx context.Context, deviceID string, protocol devices.StreamProtocol, extensionToken string) (*StreamGrant, error) {
	command := commandExtendRTSP
	param := "streamExtensionToken"
	if protocol == devices.ProtocolWebRTC {
		command = commandExtendWebRTC
		param = "mediaSessionId"
	}
	return c.streamCommand(ctx, "extend_stream", deviceID, commandEnvelope{
		Command: command,
		Params:  map[string]string{param: extensionToken},
	})
}

// StopStream implements API.
func (c *Client) StopStream(ctx context.Context, deviceID string, protocol devices.StreamProtocol, token string) error {
	command := commandStopRTSP
	param := "streamExtensionToken"
	if protocol == devices.ProtocolWebRTC {
		command = commandStopWebRTC
		param = "mediaSessionId"
	}
	_, err := c.executeCommand(ctx, "stop_stream", deviceID, commandEnvelope{
		Command: command,
		Params:  map[string]string{param: token},
	})
	return err
}

func (c *Client) streamCommand(ctx context.Context, op, deviceID string, envelope commandEnvelope) (*StreamGrant, error) {
	raw, err := c.executeCommand(ctx, op, deviceID, envelope)
	if err != nil {
		return nil, err
	}
	var grant StreamGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, fmt.Errorf("decode stream grant: %w", err)
	}
	return &grant, nil
}

// executeCommand POSTs a device command and returns the raw results object.
func (c *Client) executeCommand(ctx context.Context, op, deviceID string, envelope commandEnvelope) (json.RawMessage, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	url := fmt.Sprintf("%s/devices/%s:executeCommand", c.cfg.BaseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result commandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode command response: %w", err)
	}
	return result.Results, nil
}

// do runs one HTTP call through the rate limiter and circuit breaker and
// maps the response status onto the error taxonomy.
func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx counts as a breaker failure; 4xx does not trip the breaker.
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	metrics.UpstreamRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(op, "error").Inc()
		return nil, &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		metrics.UpstreamRequests.WithLabelValues(op, "auth").Inc()
		return nil, &AuthError{Op: op, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		metrics.UpstreamRequests.WithLabelValues(op, "not_found").Inc()
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		metrics.UpstreamRequests.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: upstream returned %d", op, resp.StatusCode)
	}

	metrics.UpstreamRequests.WithLabelValues(op, "ok").Inc()
	return resp, nil
}
