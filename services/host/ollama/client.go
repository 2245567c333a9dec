// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package ollama adapts an Ollama server to the capability host surface.

# Problem Statement

The readiness client needs a local host that can report whether a model is
on disk, download it with progress, keep it loaded, and answer prompts with
or without streaming. Ollama exposes all of that over HTTP:

	┌──────────────────────────────────────────────────────────────┐
	│  capability op        Ollama endpoint                        │
	├──────────────────────────────────────────────────────────────┤
	│  Availability         GET /api/version, GET /api/tags,       │
	│                       POST /api/show (vision check)          │
	│  Create (download)    POST /api/pull   (NDJSON, bytes)       │
	│  Create (warm)        POST /api/generate keep_alive          │
	│  Run / RunStreaming   POST /api/chat   (NDJSON when stream)  │
	│  Destroy              POST /api/generate keep_alive=0        │
	└──────────────────────────────────────────────────────────────┘

# Retries

Metadata calls (version, tags, show, ps) go through go-retryablehttp.
Pulls and chat streams use a plain client: they are long-lived and a retry
would duplicate output.

# Configuration

  - OLLAMA_HOST: Override default Ollama URL (http://localhost:11434)
*/
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"
)

var tracer = otel.Tracer("ondevice.host.ollama")

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultBaseURL is Ollama's default listen address.
	DefaultBaseURL = "http://localhost:11434"

	// MinVersion is the oldest server with /api/ps, keep_alive and images
	// on /api/chat.
	MinVersion = "v0.1.38"

	// DefaultKeepAlive keeps a warmed model loaded between requests.
	DefaultKeepAlive = "10m"
)

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// Model is a model present on the server.
type Model struct {
	Name              string    `json:"name"`
	Size              int64     `json:"size"`
	Digest            string    `json:"digest"`
	ModifiedAt        time.Time `json:"modified_at"`
	Family            string    `json:"family"`
	ParameterSize     string    `json:"parameter_size"`
	QuantizationLevel string    `json:"quantization_level"`
}

// RunningModel is a model currently loaded in memory.
type RunningModel struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SizeVRAM  int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ModelInfo is the subset of /api/show the adapter needs.
type ModelInfo struct {
	Capabilities []string `json:"capabilities"`
	Template     string   `json:"template"`
	Details      struct {
		Family   string   `json:"family"`
		Families []string `json:"families"`
	} `json:"details"`
}

// Supports reports whether the model advertises a capability such as
// "vision". Older servers omit the list; they are assumed capable.
func (m ModelInfo) Supports(name string) bool {
	if len(m.Capabilities) == 0 {
		return true
	}
	for _, c := range m.Capabilities {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// PullProgress is one NDJSON line from /api/pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Message is one chat message. Images are base64-encoded.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options are model sampling options.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatRequest is the body of /api/chat.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Format    string    `json:"format,omitempty"`
	Options   *Options  `json:"options,omitempty"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

// ChatResponse is one /api/chat response or stream line.
type ChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		ModifiedAt time.Time `json:"modified_at"`
		Details    struct {
			Family            string `json:"family"`
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

type psResponse struct {
	Models []RunningModel `json:"models"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type keepAliveRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive"`
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client talks to one Ollama server.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	meta    *retryablehttp.Client
	logger  *slog.Logger

	mu      sync.Mutex
	pulling map[string]bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the streaming HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRetryMax sets how many times metadata calls are retried.
func WithRetryMax(n int) ClientOption {
	return func(c *Client) { c.meta.RetryMax = n }
}

// NewClient creates a client for baseURL. An empty baseURL uses OLLAMA_HOST
// or DefaultBaseURL.
//
// # Examples
//
//	client := ollama.NewClient("", ollama.WithLogger(logger.Slog()))
//	version, err := client.Version(ctx)
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	meta := retryablehttp.NewClient()
	meta.RetryMax = 2
	meta.RetryWaitMin = 200 * time.Millisecond
	meta.RetryWaitMax = 2 * time.Second
	meta.HTTPClient.Timeout = 30 * time.Second
	meta.Logger = nil

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		meta:    meta,
		logger:  slog.Default(),
		pulling: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Version returns the server version, e.g. "0.6.2".
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp versionResponse
	if err := c.getJSON(ctx, "/api/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// CheckVersion fails with HostErrorVersionTooOld when the server predates
// MinVersion. Unparseable versions (dev builds) pass.
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	v, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	sv := "v" + strings.TrimPrefix(v, "v")
	if semver.IsValid(sv) && semver.Compare(sv, MinVersion) < 0 {
		return v, &HostError{
			Type:        HostErrorVersionTooOld,
			Message:     fmt.Sprintf("Ollama %s is too old", v),
			Detail:      fmt.Sprintf("need %s or newer", MinVersion),
			Remediation: "Upgrade Ollama: https://ollama.com/download",
		}
	}
	return v, nil
}

// ListModels returns the models on disk.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var resp tagsResponse
	if err := c.getJSON(ctx, "/api/tags", &resp); err != nil {
		return nil, err
	}
	models := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, Model{
			Name:              m.Name,
			Size:              m.Size,
			Digest:            m.Digest,
			ModifiedAt:        m.ModifiedAt,
			Family:            m.Details.Family,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
		})
	}
	c.logger.Debug("fetched model list", "count", len(models))
	return models, nil
}

// HasModel reports whether model is on disk. "name" and "name:latest" match.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := normalizeModelName(model)
	for _, m := range models {
		if normalizeModelName(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

// Running returns the models loaded in memory.
func (c *Client) Running(ctx context.Context) ([]RunningModel, error) {
	var resp psResponse
	if err := c.getJSON(ctx, "/api/ps", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Show returns model metadata.
func (c *Client) Show(ctx context.Context, model string) (ModelInfo, error) {
	var info ModelInfo
	body, _ := json.Marshal(map[string]string{"model": model})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", body)
	if err != nil {
		return info, c.connectionError(ctx, model, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.meta.Do(req)
	if err != nil {
		return info, c.connectionError(ctx, model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return info, &HostError{
			Type:        HostErrorModelNotFound,
			Model:       model,
			Message:     "Model not found",
			Remediation: fmt.Sprintf("Pull it first: ollama pull %s", model),
		}
	}
	if err := decodeResponse(resp, &info); err != nil {
		return info, err
	}
	return info, nil
}

// IsPulling reports whether this client has a pull of model in flight.
func (c *Client) IsPulling(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pulling[normalizeModelName(model)]
}

// Pull downloads model, calling progress for every NDJSON line.
//
// # Description
//
// Ollama reports byte counts per layer digest. Lines without a total
// ("pulling manifest", "verifying sha256 digest") are passed through with
// Total == 0.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - model: Model name, e.g. "gemma3:1b"
//   - progress: Callback per line (may be nil)
//
// # Outputs
//
//   - error: *HostError with HostErrorPullFailed, HostErrorConnectionFailed
//     or HostErrorContextCancelled
func (c *Client) Pull(ctx context.Context, model string, progress func(PullProgress)) (err error) {
	ctx, span := tracer.Start(ctx, "ollama.Pull", trace.WithAttributes(attribute.String("llm.model", model)))
	defer func() { endSpan(span, err) }()

	key := normalizeModelName(model)
	c.mu.Lock()
	c.pulling[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pulling, key)
		c.mu.Unlock()
	}()

	resp, err := c.postStream(ctx, "/api/pull", pullRequest{Name: model, Stream: true}, model)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &HostError{
			Type:        HostErrorPullFailed,
			Model:       model,
			Message:     fmt.Sprintf("Pull failed with status %d", resp.StatusCode),
			Detail:      strings.TrimSpace(string(body)),
			Remediation: "Check if the model name is correct and the registry is reachable",
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return &HostError{
				Type:        HostErrorContextCancelled,
				Model:       model,
				Message:     "Pull cancelled",
				Detail:      ctx.Err().Error(),
				Remediation: "Initialize again to resume the download",
			}
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var prog PullProgress
		if err := json.Unmarshal(line, &prog); err != nil {
			c.logger.Debug("failed to parse pull line", "line", string(line), "error", err)
			continue
		}
		if prog.Error != "" {
			return &HostError{
				Type:        HostErrorPullFailed,
				Model:       model,
				Message:     "Pull failed",
				Detail:      prog.Error,
				Remediation: "Check network connection and free disk space, then try again",
			}
		}
		if progress != nil {
			progress(prog)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return &HostError{
				Type:    HostErrorContextCancelled,
				Model:   model,
				Message: "Pull cancelled",
				Detail:  ctx.Err().Error(),
			}
		}
		return &HostError{
			Type:        HostErrorPullFailed,
			Model:       model,
			Message:     "Error reading pull response",
			Detail:      err.Error(),
			Remediation: "Check network connection and try again",
		}
	}

	c.logger.Info("model pulled", "model", model)
	return nil
}

// Load warms model with keepAlive so the first prompt does not pay the load.
func (c *Client) Load(ctx context.Context, model, keepAlive string) error {
	if keepAlive == "" {
		keepAlive = DefaultKeepAlive
	}
	return c.keepAlive(ctx, model, keepAlive)
}

// Unload evicts model from memory.
func (c *Client) Unload(ctx context.Context, model string) error {
	return c.keepAlive(ctx, model, 0)
}

func (c *Client) keepAlive(ctx context.Context, model string, keepAlive any) (err error) {
	ctx, span := tracer.Start(ctx, "ollama.KeepAlive", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.String("llm.keep_alive", fmt.Sprint(keepAlive)),
	))
	defer func() { endSpan(span, err) }()

	resp, err := c.postStream(ctx, "/api/generate", keepAliveRequest{Model: model, KeepAlive: keepAlive}, model)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, nil)
}

// Chat performs one non-streaming chat call.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (resp ChatResponse, err error) {
	ctx, span := tracer.Start(ctx, "ollama.Chat", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	))
	defer func() { endSpan(span, err) }()

	req.Stream = false
	httpResp, err := c.postStream(ctx, "/api/chat", req, req.Model)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()
	if err := decodeResponse(httpResp, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, &HostError{Type: HostErrorRequestFailed, Model: req.Model, Message: "Chat failed", Detail: resp.Error}
	}
	return resp, nil
}

// ChatStream starts a streaming chat call. The caller must Close the stream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	ctx, span := tracer.Start(ctx, "ollama.ChatStream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	))

	req.Stream = true
	resp, err := c.postStream(ctx, "/api/chat", req, req.Model)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := decodeResponse(resp, nil)
		resp.Body.Close()
		endSpan(span, err)
		return nil, err
	}
	return newChatStream(resp.Body, req.Model, span), nil
}

// -----------------------------------------------------------------------------
// HTTP helpers
// -----------------------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return c.connectionError(ctx, "", err)
	}
	resp, err := c.meta.Do(req)
	if err != nil {
		return c.connectionError(ctx, "", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) postStream(ctx context.Context, path string, body any, model string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &HostError{
			Type:        HostErrorInvalidResponse,
			Model:       model,
			Message:     "Failed to encode request",
			Detail:      err.Error(),
			Remediation: "This is an internal error - please report it",
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, c.connectionError(ctx, model, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.connectionError(ctx, model, err)
	}
	return resp, nil
}

func (c *Client) connectionError(ctx context.Context, model string, err error) error {
	if ctx.Err() != nil {
		return &HostError{
			Type:        HostErrorContextCancelled,
			Model:       model,
			Message:     "Request cancelled",
			Detail:      ctx.Err().Error(),
			Remediation: "Try again or increase the timeout",
		}
	}
	return &HostError{
		Type:        HostErrorConnectionFailed,
		Model:       model,
		Message:     "Cannot connect to Ollama",
		Detail:      err.Error(),
		Remediation: fmt.Sprintf("Ensure Ollama is running at %s (ollama serve)", c.baseURL),
	}
}

// decodeResponse maps non-200 responses to HostError and decodes the body
// into out (skipped when out is nil).
func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		detail := strings.TrimSpace(string(body))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			detail = apiErr.Error
		}
		typ := HostErrorRequestFailed
		if resp.StatusCode == http.StatusNotFound {
			typ = HostErrorModelNotFound
		}
		return &HostError{
			Type:        typ,
			Message:     fmt.Sprintf("Ollama returned status %d", resp.StatusCode),
			Detail:      detail,
			Remediation: "Check Ollama logs for errors",
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &HostError{
			Type:        HostErrorInvalidResponse,
			Message:     "Failed to parse Ollama response",
			Detail:      err.Error(),
			Remediation: "This may indicate an Ollama version mismatch",
		}
	}
	return nil
}

// normalizeModelName lowercases and drops a ":latest" suffix.
func normalizeModelName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ":latest")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
