// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
	"github.com/AleutianAI/AleutianOnDevice/services/history"
)

const kindKey = "capability.kind"

// RateLimit limits requests per client IP. Idle limiters are dropped after
// ten minutes.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu        sync.Mutex
		clients   = make(map[string]*client)
		lastSweep = time.Now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > time.Minute {
			for k, v := range clients {
				if now.Sub(v.lastSeen) > 10*time.Minute {
					delete(clients, k)
				}
			}
			lastSweep = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &client{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		limiter := cl.limiter
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// observe records request metrics and logs each request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		done := s.deps.Metrics.TrackActive(c.Request.Context())
		c.Next()
		done()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.deps.Metrics.RecordRequest(c.Request.Context(), route, c.Request.Method, c.Writer.Status(), elapsed)
		s.logger.Debug("request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration", elapsed)
	}
}

// bindKind validates the :kind path parameter.
func (s *Server) bindKind() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := capability.ParseKind(c.Param("kind"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Set(kindKey, kind)
		c.Next()
	}
}

func kindOf(c *gin.Context) capability.Kind {
	return c.MustGet(kindKey).(capability.Kind)
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	var ce *capability.Error
	switch {
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, features.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &ce):
		switch ce.Kind {
		case capability.ErrorUnsupportedConfiguration:
			return http.StatusBadRequest
		case capability.ErrorCapabilityAbsent:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

// writeError renders err as a JSON error body.
func (s *Server) writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var ce *capability.Error
	if errors.As(err, &ce) {
		body["kind"] = ce.Kind.String()
		if ce.Remediation != "" {
			body["remediation"] = ce.Remediation
		}
	}
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}
