// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package httpapi exposes the device sessions over HTTP.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /commands?category=enum
//	GET  /devices
//	GET  /devices/:id/state
//	POST /devices/:id/query/:family
//	POST /devices/:id/set/:command      {"value": 25}
//	POST /devices/:id/enum/:command
//	POST /devices/:id/press/:button
//	POST /devices/:id/group/:group      {"values": {"RedGain": 30}}
//	POST /devices/:id/status
//
// Operations answer with a session.Result. Errors pick the status code
// through StatusFor.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wraps the HTTP listener
type Server struct {
	srv *http.Server
}

// NewServer serves handler on addr
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestLogger logs every request at debug and failures at warn
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("http request failed", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

// apiKeyAuth accepts X-API-Key or a bearer token from keys. No keys means
// the API is open.
func apiKeyAuth(keys []string, log *zap.Logger) gin.HandlerFunc {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if !allowed[key] {
			log.Warn("http request rejected",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()),
				zap.Bool("key_present", key != ""))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
