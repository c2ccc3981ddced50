// Package server exposes the merge engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/batch"
	"github.com/agenthands/graphmerge/internal/core/extraction"
	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/logger"
)

const defaultNearMisses = 50

// Engine is the part of core.Engine the HTTP API needs.
type Engine interface {
	MergeBatch(ctx context.Context, entities []model.EntityProposal, relations []model.RelationProposal) (batch.BatchResult, error)
	IngestDocuments(ctx context.Context, docs []extraction.Document) (batch.BatchResult, error)
	Entity(ctx context.Context, entityType, key string) (*model.CanonicalEntity, error)
	Stats(ctx context.Context) (model.Stats, error)
	NearMisses(ctx context.Context, count int64) ([]model.NearMiss, error)
}

type Server struct {
	Engine Engine
	log    *logger.Logger
}

func NewServer(engine Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{Engine: engine, log: log.With("component", "server")}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.Health)
	r.POST("/batches", s.MergeBatch)
	r.POST("/documents", s.IngestDocuments)
	r.GET("/entities/:type/:key", s.GetEntity)
	r.GET("/stats", s.Stats)
	r.GET("/near-misses", s.NearMisses)

	return r
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, errorEnvelope{Error: apiError{Message: err.Error(), Code: code}})
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrUnknownEntityType):
		return http.StatusNotFound, "unknown_type"
	case errors.Is(err, apperr.ErrNotConfigured):
		return http.StatusNotImplemented, "not_configured"
	case errors.Is(err, apperr.ErrBatchCanceled), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	case errors.Is(err, apperr.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type BatchRequest struct {
	Entities  []model.EntityProposal   `json:"entities"`
	Relations []model.RelationProposal `json:"relations"`
}

// batchResponse carries the partial result next to the error when a batch stops early.
type batchResponse struct {
	Result batch.BatchResult `json:"result"`
	Error  *apiError         `json:"error,omitempty"`
}

func (s *Server) respondBatch(c *gin.Context, res batch.BatchResult, err error) {
	if err != nil {
		status, code := statusFor(err)
		s.log.Error("batch failed", "batch_id", res.BatchID, "error", err)
		c.JSON(status, batchResponse{Result: res, Error: &apiError{Message: err.Error(), Code: code}})
		return
	}
	c.JSON(http.StatusOK, batchResponse{Result: res})
}

func (s *Server) MergeBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := s.Engine.MergeBatch(c.Request.Context(), req.Entities, req.Relations)
	s.respondBatch(c, res, err)
}

type DocumentsRequest struct {
	Documents []extraction.Document `json:"documents" binding:"required,min=1"`
}

func (s *Server) IngestDocuments(c *gin.Context) {
	var req DocumentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := s.Engine.IngestDocuments(c.Request.Context(), req.Documents)
	s.respondBatch(c, res, err)
}

func (s *Server) GetEntity(c *gin.Context) {
	ent, err := s.Engine.Entity(c.Request.Context(), c.Param("type"), c.Param("key"))
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

func (s *Server) Stats(c *gin.Context) {
	stats, err := s.Engine.Stats(c.Request.Context())
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entities":       stats.Entities,
		"total_entities": stats.TotalEntities(),
		"relations":      stats.Relations,
	})
}

func (s *Server) NearMisses(c *gin.Context) {
	count := int64(defaultNearMisses)
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, "invalid_request", errors.New("count must be a positive integer"))
			return
		}
		count = n
	}
	items, err := s.Engine.NearMisses(c.Request.Context(), count)
	if err != nil {
		status, code := statusFor(err)
		respondError(c, status, code, err)
		return
	}
	if items == nil {
		items = []model.NearMiss{}
	}
	c.JSON(http.StatusOK, gin.H{"near_misses": items})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
