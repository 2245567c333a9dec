// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

type fakeServer struct {
	mu       sync.Mutex
	models   []string
	reply    string
	chunks   []string
	auth     []string
	requests []map[string]any
}

func (f *fakeServer) start(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		var data []map[string]string
		for _, m := range f.models {
			data = append(data, map[string]string{"id": m, "object": "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.requests = append(f.requests, body)
		f.mu.Unlock()

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range f.chunks {
				frame, _ := json.Marshal(map[string]any{
					"id":      "c1",
					"object":  "chat.completion.chunk",
					"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": c}}},
				})
				fmt.Fprintf(w, "data: %s\n\n", frame)
			}
			io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "c1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": f.reply},
				"finish_reason": "stop",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCapabilities_LegacyShape(t *testing.T) {
	f := &fakeServer{models: []string{"qwen2.5-7b"}}
	srv := f.start(t)
	c := NewCapability(NewClient(srv.URL+"/v1", WithKey(SealKey([]byte("sk-test")))), capability.KindPrompt)
	prober := capability.NewProber(nil)

	assert.Equal(t, capability.StateAvailable,
		prober.Probe(context.Background(), c, capability.Config{Model: "qwen2.5-7b"}))
	assert.Equal(t, capability.StateUnavailable,
		prober.Probe(context.Background(), c, capability.Config{Model: "missing"}))

	res, err := c.Capabilities(context.Background(), capability.Config{})
	require.NoError(t, err)
	assert.Equal(t, "no", res.Available)

	require.NotEmpty(t, f.auth)
	assert.Equal(t, "Bearer sk-test", f.auth[0])
}

func TestClient_NoKeySendsNoAuthorization(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	f := &fakeServer{}
	srv := f.start(t)
	c := NewCapability(NewClient(srv.URL+"/v1"), capability.KindPrompt)

	_, err := c.Capabilities(context.Background(), capability.Config{Model: "x"})
	require.NoError(t, err)
	require.Len(t, f.auth, 1)
	assert.Empty(t, f.auth[0])
}

func TestSession_RunKeepsPromptHistory(t *testing.T) {
	f := &fakeServer{models: []string{"m"}, reply: "Paris"}
	srv := f.start(t)
	c := NewCapability(NewClient(srv.URL+"/v1"), capability.KindPrompt)

	sess, err := c.Create(context.Background(), capability.Config{Kind: capability.KindPrompt, Model: "m", SystemPrompt: "Be terse.", MaxTokens: 64}, nil)
	require.NoError(t, err)

	out, err := sess.Run(context.Background(), capability.TextInput("Capital of France?"))
	require.NoError(t, err)
	assert.Equal(t, "Paris", out)

	_, err = sess.Run(context.Background(), capability.TextInput("And Spain?"))
	require.NoError(t, err)

	require.Len(t, f.requests, 2)
	msgs := f.requests[1]["messages"].([]any)
	assert.Len(t, msgs, 4)
	assert.EqualValues(t, 64, f.requests[1]["max_tokens"])
}

func TestSession_StreamingCollectsDeltas(t *testing.T) {
	f := &fakeServer{models: []string{"m"}, chunks: []string{"Hel", "lo", "!"}}
	srv := f.start(t)
	c := NewCapability(NewClient(srv.URL+"/v1"), capability.KindPrompt)

	sess, err := c.Create(context.Background(), capability.Config{Kind: capability.KindPrompt, Model: "m"}, nil)
	require.NoError(t, err)

	res, err := capability.NewStreamConsumer(capability.KindPrompt, nil).
		Stream(context.Background(), sess, capability.TextInput("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Text)
	assert.Equal(t, 3, res.Chunks)
}

func TestSession_DetectorRequestsJSON(t *testing.T) {
	f := &fakeServer{models: []string{"m"}, reply: `{"candidates":[]}`}
	srv := f.start(t)
	c := NewCapability(NewClient(srv.URL+"/v1"), capability.KindDetector)

	sess, err := c.Create(context.Background(), capability.Config{Kind: capability.KindDetector, Model: "m"}, nil)
	require.NoError(t, err)
	_, err = sess.Run(context.Background(), capability.TextInput("Bonjour"))
	require.NoError(t, err)

	format := f.requests[0]["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
}

func TestUserMessage_ImagesAsDataURLs(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	msg, err := userMessage(capability.Input{Text: "what is this", Images: [][]byte{png}}, capability.KindMultimodal)
	require.NoError(t, err)
	require.Len(t, msg.MultiContent, 2)
	assert.True(t, strings.HasPrefix(msg.MultiContent[1].ImageURL.URL, "data:image/png;base64,"))

	_, err = userMessage(capability.Input{Images: [][]byte{png}}, capability.KindPrompt)
	assert.Error(t, err)
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	f := &fakeServer{models: []string{"m"}}
	srv := f.start(t)
	sess, err := NewCapability(NewClient(srv.URL+"/v1"), capability.KindPrompt).
		Create(context.Background(), capability.Config{Kind: capability.KindPrompt, Model: "m"}, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Destroy())
	require.NoError(t, sess.Destroy())
	_, err = sess.Run(context.Background(), capability.TextInput("hi"))
	assert.ErrorIs(t, err, capability.ErrInvocationFailed)
}
