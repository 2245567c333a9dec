// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
	"github.com/AleutianAI/AleutianOnDevice/services/sink"
)

// =============================================================================
// Request / Response Types
// =============================================================================

// SessionRequest selects a session configuration. Unset fields keep the
// server defaults.
type SessionRequest struct {
	SourceLanguage string   `json:"sourceLanguage"`
	TargetLanguage string   `json:"targetLanguage"`
	SystemPrompt   *string  `json:"systemPrompt"`
	Temperature    *float64 `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	TopK           *int     `json:"topK" binding:"omitempty,gte=1,lte=128"`
	MaxTokens      *int     `json:"maxTokens" binding:"omitempty,gte=1,lte=131072"`
}

// SessionResponse reports the lifecycle after a session call.
type SessionResponse struct {
	Kind          capability.Kind           `json:"kind"`
	State         capability.LifecycleState `json:"state"`
	Config        capability.Config         `json:"config"`
	LoadLatencyMs *float64                  `json:"loadLatencyMs,omitempty"`
}

// AvailabilityResponse is the probe result.
type AvailabilityResponse struct {
	Kind  capability.Kind           `json:"kind"`
	State capability.State          `json:"state"`
	Phase capability.Phase          `json:"phase"`
	Life  capability.LifecycleState `json:"lifecycle"`
}

// RunRequest is one single-shot invocation.
type RunRequest struct {
	Input          string `json:"input"`
	Image          []byte `json:"image,omitempty"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

// RunResponse is the output with its timing.
type RunResponse struct {
	Output     string                `json:"output"`
	DurationMs float64               `json:"durationMs"`
	Rate       float64               `json:"charactersPerSecond"`
	Candidates []features.Candidate  `json:"candidates,omitempty"`
	Mode       features.DescribeMode `json:"mode,omitempty"`
}

// BatchRequest runs many inputs. When Inputs is empty, Text is split into
// inputs; when both are empty the built-in samples are used.
type BatchRequest struct {
	Inputs         []string `json:"inputs"`
	Text           string   `json:"text"`
	ChunkSize      int      `json:"chunkSize" binding:"gte=0"`
	SourceLanguage string   `json:"sourceLanguage"`
	TargetLanguage string   `json:"targetLanguage"`
}

// BatchResponse is the finished run and where it was published.
type BatchResponse struct {
	Run       *capability.BatchRun `json:"run"`
	Metadata  capability.Metadata  `json:"metadata"`
	Saved     bool                 `json:"saved"`
	Locations []string             `json:"locations,omitempty"`
	SinkError string               `json:"sinkError,omitempty"`
}

// =============================================================================
// Capability Handlers
// =============================================================================

func (s *Server) availability(c *gin.Context) {
	kind := kindOf(c)
	cfg := s.deps.Registry.Config(kind)
	if kind == capability.KindTranslator {
		cfg.SourceLanguage = c.DefaultQuery("source", "en")
		cfg.TargetLanguage = c.DefaultQuery("target", "es")
	}
	state := s.deps.Registry.Probe(c.Request.Context(), cfg)
	c.JSON(http.StatusOK, AvailabilityResponse{
		Kind:  kind,
		State: state,
		Phase: capability.PhaseFor(state),
		Life:  s.deps.Registry.Entry(kind).Manager.State(),
	})
}

// sessionConfig merges req over the registry defaults. For prompt sessions
// the chat options are updated so later runs and streams use them.
func (s *Server) sessionConfig(kind capability.Kind, req SessionRequest) capability.Config {
	reg := s.deps.Registry
	switch kind {
	case capability.KindTranslator:
		return reg.Translator().Config(req.SourceLanguage, req.TargetLanguage)
	case capability.KindPrompt:
		chat := reg.Chat()
		opts := chat.Options()
		if req.SystemPrompt != nil {
			opts.SystemPrompt = *req.SystemPrompt
		}
		if req.Temperature != nil {
			opts.Temperature = *req.Temperature
		}
		if req.TopK != nil {
			opts.TopK = *req.TopK
		}
		if req.MaxTokens != nil {
			opts.MaxTokens = *req.MaxTokens
		}
		chat.SetOptions(opts)
		return chat.Config()
	default:
		return reg.Config(kind)
	}
}

func (s *Server) createSession(c *gin.Context) {
	kind := kindOf(c)
	var req SessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	cfg := s.sessionConfig(kind, req)
	mgr := s.deps.Registry.Entry(kind).Manager
	if _, err := mgr.EnsureReady(c.Request.Context(), cfg); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sessionResponse(kind))
}

func (s *Server) sessionResponse(kind capability.Kind) SessionResponse {
	mgr := s.deps.Registry.Entry(kind).Manager
	resp := SessionResponse{Kind: kind, State: mgr.State(), Config: mgr.Config()}
	if d, ok := mgr.LoadLatency(); ok {
		ms := float64(d) / float64(time.Millisecond)
		resp.LoadLatencyMs = &ms
	}
	return resp
}

func (s *Server) destroySession(c *gin.Context) {
	kind := kindOf(c)
	if err := s.deps.Registry.Entry(kind).Manager.Destroy(); err != nil {
		s.logger.Warn("destroy failed", "kind", kind, "error", err)
	}
	c.JSON(http.StatusOK, s.sessionResponse(kind))
}

func (s *Server) run(c *gin.Context) {
	kind := kindOf(c)
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	resp, err := s.invokeOnce(c.Request.Context(), kind, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) invokeOnce(ctx context.Context, kind capability.Kind, req RunRequest) (RunResponse, error) {
	reg := s.deps.Registry
	if kind != capability.KindMultimodal && strings.TrimSpace(req.Input) == "" {
		return RunResponse{}, fmt.Errorf("%w: input is required", errBadRequest)
	}
	start := time.Now()
	var resp RunResponse

	switch kind {
	case capability.KindDetector:
		cands, err := reg.Detector().Detect(ctx, req.Input)
		if err != nil {
			return RunResponse{}, err
		}
		resp.Candidates = cands
		resp.Output = cands[0].Language
	case capability.KindTranslator:
		out, err := reg.Translator().Translate(ctx, req.SourceLanguage, req.TargetLanguage, req.Input)
		if err != nil {
			return RunResponse{}, err
		}
		resp.Output = out
	case capability.KindPrompt:
		out, err := reg.Chat().Ask(ctx, req.Input)
		if err != nil {
			return RunResponse{}, err
		}
		resp.Output = out
	case capability.KindMultimodal:
		if len(req.Image) == 0 {
			return RunResponse{}, fmt.Errorf("%w: image is required", errBadRequest)
		}
		desc, err := reg.Describer().Describe(ctx, req.Image, nil)
		if err != nil {
			return RunResponse{}, err
		}
		resp.Output = desc.Text
		resp.Mode = desc.Mode
	}

	d := time.Since(start)
	resp.DurationMs = float64(d) / float64(time.Millisecond)
	if d > 0 {
		resp.Rate = float64(utf8.RuneCountInString(req.Input)) / d.Seconds()
	}
	return resp, nil
}

func (s *Server) batch(c *gin.Context) {
	kind := kindOf(c)
	var req BatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	inputs := req.Inputs
	if len(inputs) == 0 && req.Text != "" {
		split, err := features.SplitInputs(req.Text, req.ChunkSize)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		inputs = split
	}
	if len(inputs) == 0 {
		inputs = features.DefaultInputs(kind)
	}
	if kind == capability.KindTranslator {
		if req.SourceLanguage == "" {
			req.SourceLanguage = "en"
		}
		if req.TargetLanguage == "" {
			req.TargetLanguage = "es"
		}
	}

	ctx := c.Request.Context()
	invoke, cfg, err := s.deps.Registry.Invoker(kind, req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if _, err := s.deps.Registry.Entry(kind).Manager.EnsureReady(ctx, cfg); err != nil {
		s.writeError(c, err)
		return
	}

	run := capability.NewBatchRunner(cfg, invoke, capability.WithBatchLogger(s.logger)).Run(ctx, inputs)
	var fields []capability.Field
	if kind == capability.KindTranslator {
		fields = features.PairFields(req.SourceLanguage, req.TargetLanguage)
	}
	meta := capability.NewMetadata(capability.DefaultTitle(kind), s.deps.Environment, time.Now(), fields...)

	resp := BatchResponse{Run: run, Metadata: meta}
	if s.deps.History != nil {
		if _, err := s.deps.History.Save(ctx, history.Record{Run: run, Metadata: meta}); err != nil {
			s.logger.Warn("saving batch run failed", "run_id", run.ID, "error", err)
		} else {
			resp.Saved = true
		}
	}
	if len(s.deps.Sinks) > 0 {
		locs, err := sink.Publish(ctx, s.logger, run, meta, s.deps.Sinks...)
		resp.Locations = locs
		if err != nil {
			resp.SinkError = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Run History Handlers
// =============================================================================

var errNoHistory = errors.New("run history is disabled")

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.deps.History == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errNoHistory.Error()})
		return false
	}
	return true
}

func (s *Server) listRuns(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	var q struct {
		Kind  string `form:"kind"`
		Limit int    `form:"limit" binding:"gte=0,lte=1000"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	opts := history.ListOptions{Limit: q.Limit}
	if q.Kind != "" {
		k, err := capability.ParseKind(q.Kind)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		opts.Kind = k
	}
	runs, err := s.deps.History.List(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	rec, err := s.deps.History.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteRun(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	if err := s.deps.History.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) exportRun(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	format, err := capability.ParseFormat(c.DefaultQuery("format", "csv"))
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	rec, err := s.deps.History.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	name := capability.Filename(rec.Run, rec.Metadata, format)
	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Status(http.StatusOK)
	if err := capability.Export(c.Writer, format, rec.Run, rec.Metadata); err != nil {
		s.logger.Warn("export failed", "run_id", rec.Run.ID, "error", err)
	}
}
