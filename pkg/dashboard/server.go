// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the read-only dashboard API.
type Server struct {
	scanner  *Scanner
	log      *slog.Logger
	gatherer prometheus.Gatherer
	engine   *gin.Engine
}

// ServerOption configures NewServer.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithGatherer exposes a Prometheus registry on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// NewServer wires the API routes around a scanner.
func NewServer(scanner *Scanner, opts ...ServerOption) *Server {
	s := &Server{
		scanner:  scanner,
		log:      slog.Default(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api")
	api.GET("/health", s.health)
	api.GET("/artifacts", s.listArtifacts)
	api.GET("/artifacts/detail", s.artifactDetail)
	api.GET("/artifacts/relations", s.artifactRelations)
	api.GET("/stats", s.stats)

	engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.engine = engine
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("dashboard listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listArtifacts returns summaries filtered by namespace prefix, result
// status, and attempt status, with limit/offset paging.
func (s *Server) listArtifacts(c *gin.Context) {
	sums, err := s.scanner.Scan(c.Query("namespace"))
	if err != nil {
		s.fail(c, err)
		return
	}

	result := c.Query("result_status")
	attempt := c.Query("attempt_status")
	filtered := sums[:0]
	for _, sum := range sums {
		if result != "" && string(sum.Result) != result {
			continue
		}
		if attempt != "" && string(sum.AttemptStatus) != attempt {
			continue
		}
		filtered = append(filtered, sum)
	}

	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 100)
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"offset":    offset,
		"artifacts": filtered[offset:end],
	})
}

func (s *Server) artifactDetail(c *gin.Context) {
	namespace, hash, ok := s.identity(c)
	if !ok {
		return
	}
	detail, err := s.scanner.Detail(namespace, hash, intQuery(c, "events", 50))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) artifactRelations(c *gin.Context) {
	namespace, hash, ok := s.identity(c)
	if !ok {
		return
	}
	rel, err := s.scanner.Relations(namespace, hash)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.scanner.Stats()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) identity(c *gin.Context) (namespace, hash string, ok bool) {
	namespace = c.Query("namespace")
	hash = c.Query("hash")
	if namespace == "" || hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "namespace and hash are required"})
		return "", "", false
	}
	return namespace, hash, true
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error("dashboard request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// intQuery parses an integer query parameter with a default.
func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
