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
Package openai adapts an OpenAI-compatible chat server (llama.cpp server,
LM Studio, vLLM, or the hosted API) to the capability host surface.

These servers cannot download models on request, so the adapter answers the
legacy availability shape: {"available": "readily"} when the configured
model is listed by /v1/models, {"available": "no"} otherwise.

# Credentials

The API key is sealed in a memguard enclave and only opened for the
duration of a request, inside the HTTP transport. It is never stored in the
go-openai client config.

# Configuration

  - OPENAI_BASE_URL: Server URL (default https://api.openai.com/v1)
  - OPENAI_API_KEY: API key (optional for local servers)
*/
package openai

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	oai "github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is used when neither an explicit URL nor OPENAI_BASE_URL is set.
const DefaultBaseURL = "https://api.openai.com/v1"

// -----------------------------------------------------------------------------
// Key
// -----------------------------------------------------------------------------

// Key is an API key held in encrypted, guarded memory.
type Key struct {
	enclave *memguard.Enclave
}

// SealKey moves raw into an enclave and wipes raw. An empty key returns nil.
func SealKey(raw []byte) *Key {
	if len(raw) == 0 {
		return nil
	}
	return &Key{enclave: memguard.NewEnclave(raw)}
}

// authorize opens the enclave and sets the bearer header on req.
func (k *Key) authorize(req *http.Request) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("open api key enclave: %w", err)
	}
	defer buf.Destroy()
	req.Header.Set("Authorization", "Bearer "+buf.String())
	return nil
}

// keyTransport injects the sealed key into every outgoing request.
type keyTransport struct {
	key  *Key
	next http.RoundTripper
}

func (t *keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.key == nil {
		req.Header.Del("Authorization")
	} else if err := t.key.authorize(req); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client wraps a go-openai client bound to one server.
type Client struct {
	api     *oai.Client
	baseURL string
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	key       *Key
	logger    *slog.Logger
	transport http.RoundTripper
	timeout   time.Duration
}

// WithKey sets the sealed API key.
func WithKey(k *Key) ClientOption {
	return func(c *clientConfig) { c.key = k }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithTransport replaces the base HTTP transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) { c.transport = rt }
}

// WithTimeout bounds each HTTP request. Zero disables the bound, which
// streaming callers usually want.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// NewClient creates a client for baseURL.
//
// # Description
//
// An empty baseURL falls back to OPENAI_BASE_URL, then DefaultBaseURL. When
// no key option is given, OPENAI_API_KEY is sealed if set.
//
// # Examples
//
//	client := openai.NewClient("http://localhost:8080/v1", openai.WithLogger(logger.Slog()))
func NewClient(baseURL string, opts ...ClientOption) *Client {
	cc := &clientConfig{
		logger:    slog.Default(),
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.key == nil {
		if raw := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); raw != "" {
			cc.key = SealKey([]byte(raw))
		}
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := oai.DefaultConfig("")
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{
		Transport: &keyTransport{key: cc.key, next: cc.transport},
		Timeout:   cc.timeout,
	}

	cc.logger.Info("initializing openai-compatible client", "base_url", baseURL, "has_key", cc.key != nil)
	return &Client{
		api:     oai.NewClientWithConfig(cfg),
		baseURL: baseURL,
		logger:  cc.logger,
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}
